// Package news fetches recent articles from per-category RSS and Atom feeds.
package news

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/pkg/ctxlog"
	"github.com/bissquit/digest-garden/internal/pkg/metrics"
	"github.com/doyensec/safeurl"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout        = 15 * time.Second
	defaultMaxBodyBytes   = 5 << 20
	defaultMaxPerCategory = 10
	defaultLookback       = 7 * 24 * time.Hour
	maxDescriptionRunes   = 600
	userAgent             = "DigestGarden/1.0 (+feed reader)"
)

// Config holds article source configuration.
type Config struct {
	Feeds             map[string][]string
	MaxPerCategory    int
	Lookback          time.Duration
	Timeout           time.Duration
	MaxBodyBytes      int64
	RequestsPerSecond float64
	SafeClient        bool
}

// StatusError is a non-200 feed response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed %s: unexpected status %d", e.URL, e.Code)
}

// IsRetryable reports whether the upstream may recover on its own.
func (e *StatusError) IsRetryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Source implements the article source over configured feeds.
type Source struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewSource creates a feed-backed article source.
func NewSource(config Config) (*Source, error) {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.MaxPerCategory <= 0 {
		config.MaxPerCategory = defaultMaxPerCategory
	}
	if config.Lookback <= 0 {
		config.Lookback = defaultLookback
	}

	feeds := make(map[string][]string, len(config.Feeds))
	for category, urls := range config.Feeds {
		for _, raw := range urls {
			if err := validateFeedURL(raw); err != nil {
				return nil, fmt.Errorf("news source: category %q: %w", category, err)
			}
		}
		feeds[normalizeCategory(category)] = urls
	}
	config.Feeds = feeds

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	slog.Info("news source configured",
		"categories", len(config.Feeds),
		"max_per_category", config.MaxPerCategory,
		"lookback", config.Lookback,
		"safe_client", config.SafeClient,
	)

	return &Source{
		config:     config,
		httpClient: newHTTPClient(config),
		limiter:    rate.NewLimiter(limit, 1),
		now:        time.Now,
	}, nil
}

func newHTTPClient(config Config) *http.Client {
	if !config.SafeClient {
		return &http.Client{Timeout: config.Timeout}
	}

	// safeurl checks the resolved address at dial time, so rebinding to a private IP is blocked too.
	safeConfig := safeurl.GetConfigBuilder().
		SetTimeout(config.Timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(safeConfig).Client
}

// Fetch returns recent articles for categories, newest first within each category.
// Feeds that fail are skipped; an error is returned only when every feed failed.
// Categories without configured feeds contribute nothing.
func (s *Source) Fetch(ctx context.Context, categories []string) ([]domain.Article, error) {
	var (
		articles  []domain.Article
		errs      []error
		attempted int
	)

	seen := make(map[string]bool)
	for _, category := range categories {
		category = normalizeCategory(category)
		if category == "" || seen[category] {
			continue
		}
		seen[category] = true

		urls := s.config.Feeds[category]
		if len(urls) == 0 {
			ctxlog.FromContext(ctx).Warn("no feeds configured for category", "category", category)
			continue
		}

		var items []domain.Article
		for _, feedURL := range urls {
			attempted++
			got, err := s.fetchFeed(ctx, category, feedURL)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				ctxlog.FromContext(ctx).Warn("feed fetch failed", "category", category, "feed_url", feedURL, "error", err)
				errs = append(errs, err)
				continue
			}
			items = append(items, got...)
		}

		articles = append(articles, s.selectRecent(items)...)
	}

	if attempted > 0 && len(errs) == attempted {
		return nil, fmt.Errorf("all %d feeds failed: %w", attempted, errors.Join(errs...))
	}

	return articles, nil
}

func (s *Source) fetchFeed(ctx context.Context, category, feedURL string) ([]domain.Article, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	started := time.Now()
	resp, err := s.httpClient.Do(req)
	metrics.RecordExternalCall("feed", err, time.Since(started))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", feedURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: feedURL, Code: resp.StatusCode}
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, s.config.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", feedURL, err)
	}

	return convertItems(feed, category), nil
}

// selectRecent drops stale and duplicate items, sorts newest first and caps the result.
func (s *Source) selectRecent(items []domain.Article) []domain.Article {
	cutoff := s.now().Add(-s.config.Lookback)

	seen := make(map[string]bool, len(items))
	fresh := make([]domain.Article, 0, len(items))
	for _, a := range items {
		if a.PublishedAt != nil && a.PublishedAt.Before(cutoff) {
			continue
		}
		key := a.URL
		if key == "" {
			key = strings.ToLower(a.Title)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		fresh = append(fresh, a)
	}

	// Undated items sort last.
	sort.SliceStable(fresh, func(i, j int) bool {
		pi, pj := fresh[i].PublishedAt, fresh[j].PublishedAt
		switch {
		case pi == nil:
			return false
		case pj == nil:
			return true
		default:
			return pi.After(*pj)
		}
	})

	if len(fresh) > s.config.MaxPerCategory {
		fresh = fresh[:s.config.MaxPerCategory]
	}
	return fresh
}

func convertItems(feed *gofeed.Feed, category string) []domain.Article {
	articles := make([]domain.Article, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}

		title := strings.TrimSpace(PlainText(item.Title))
		if title == "" {
			continue
		}

		description := item.Description
		if description == "" {
			description = item.Content
		}

		a := domain.Article{
			Title:       title,
			Description: truncate(PlainText(description), maxDescriptionRunes),
			Source:      strings.TrimSpace(feed.Title),
			URL:         item.Link,
			Category:    category,
		}
		if a.URL == "" && strings.HasPrefix(item.GUID, "http") {
			a.URL = item.GUID
		}

		if item.PublishedParsed != nil {
			t := item.PublishedParsed.UTC()
			a.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := item.UpdatedParsed.UTC()
			a.PublishedAt = &t
		}

		articles = append(articles, a)
	}
	return articles
}

func validateFeedURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid feed URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid feed URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid feed URL %q: missing host", raw)
	}
	return nil
}

func normalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
