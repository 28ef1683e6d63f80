package digest

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/digest.html
var templateFS embed.FS

// Content is the input to rendering.
type Content struct {
	Categories   []string
	Summary      string
	ArticleCount int
}

// Rendered is a finished email body.
type Rendered struct {
	Subject string
	HTML    string
}

// HTMLRenderer converts a Markdown summary into a sanitized HTML email.
type HTMLRenderer struct {
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
	layout   *template.Template
}

// NewHTMLRenderer creates a renderer with the embedded layout.
func NewHTMLRenderer() (*HTMLRenderer, error) {
	layout, err := template.ParseFS(templateFS, "templates/digest.html")
	if err != nil {
		return nil, fmt.Errorf("parse digest template: %w", err)
	}

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("style").OnElements("table", "td", "th")

	return &HTMLRenderer{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		policy: policy,
		layout: layout,
	}, nil
}

// Render produces the subject line and the HTML document.
func (r *HTMLRenderer) Render(c Content) (*Rendered, error) {
	var body bytes.Buffer
	if err := r.markdown.Convert([]byte(c.Summary), &body); err != nil {
		return nil, fmt.Errorf("convert markdown: %w", err)
	}

	safe := r.policy.SanitizeBytes(body.Bytes())

	categories := categoryLabel(c.Categories)
	subject := Subject(categories, c.ArticleCount)

	var out bytes.Buffer
	err := r.layout.Execute(&out, map[string]interface{}{
		"Subject":      subject,
		"Categories":   categories,
		"ArticleCount": c.ArticleCount,
		"Body":         template.HTML(safe),
	})
	if err != nil {
		return nil, fmt.Errorf("execute digest template: %w", err)
	}

	return &Rendered{Subject: subject, HTML: out.String()}, nil
}

// categoryLabel title-cases and joins categories. Casers are stateful, so one is made per call.
func categoryLabel(categories []string) string {
	caser := cases.Title(language.English)
	titled := make([]string, 0, len(categories))
	for _, c := range categories {
		if c = strings.TrimSpace(c); c != "" {
			titled = append(titled, caser.String(c))
		}
	}
	return strings.Join(titled, ", ")
}

// Subject formats the email subject line.
func Subject(categories string, articleCount int) string {
	noun := "articles"
	if articleCount == 1 {
		noun = "article"
	}
	return fmt.Sprintf("Your %s news digest · %d %s", categories, articleCount, noun)
}
