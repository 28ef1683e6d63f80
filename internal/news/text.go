package news

import (
	"strings"

	"golang.org/x/net/html"
)

// PlainText strips markup from a feed field and collapses whitespace.
// Script and style contents are dropped.
func PlainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}

	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")

		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script", "style":
				skip++
				b.WriteByte(' ')
			case "p", "br", "div", "li":
				b.WriteByte(' ')
			}

		case html.SelfClosingTagToken:
			b.WriteByte(' ')

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if n := string(name); (n == "script" || n == "style") && skip > 0 {
				skip--
			}

		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}
}
