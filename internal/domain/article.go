package domain

import "time"

// Article is a single news item returned by the article source.
type Article struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Source      string     `json:"source"`
	URL         string     `json:"url,omitempty"`
	Category    string     `json:"category,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Email is a rendered digest ready for the transport.
type Email struct {
	To             string
	Subject        string
	ArticleCount   int
	HTML           string
	IdempotencyKey string
}
