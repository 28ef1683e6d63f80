package digest

import (
	"fmt"
	"strings"

	"github.com/bissquit/digest-garden/internal/domain"
)

const editorPersona = `You are an expert newsletter editor creating a personalised newsletter.
Write a concise, engaging summary that:
- Highlights the most important stories
- Provides context and insights
- Uses a friendly, conversational tone
- Is well structured with clear sections
- Keeps the reader informed and engaged
- Is formatted as a proper newsletter with a title and organised content
- Is email friendly, with clear sections and engaging headlines
Respond in Markdown.`

// BuildPrompt returns the system and user messages for a digest summary.
func BuildPrompt(categories []string, articles []domain.Article) (system, user string) {
	var b strings.Builder

	b.WriteString("Create a newsletter summary for these articles from the past week.\n")
	fmt.Fprintf(&b, "Categories requested: %s\n\n", strings.Join(categories, ", "))

	if len(articles) == 0 {
		b.WriteString("No new articles were found for these categories. Write a short note saying so.\n")
		return editorPersona, b.String()
	}

	b.WriteString("Articles:\n")
	for i, a := range articles {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a.Title)
		if a.Description != "" {
			fmt.Fprintf(&b, "   %s\n", a.Description)
		}
		if a.Source != "" {
			fmt.Fprintf(&b, "   Source: %s\n", a.Source)
		}
		if a.URL != "" {
			fmt.Fprintf(&b, "   Link: %s\n", a.URL)
		}
		b.WriteString("\n")
	}

	return editorPersona, b.String()
}
