package news

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)

func rssFeed(title string, items ...string) string {
	body := ""
	for _, item := range items {
		body += item
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>%s</title><link>https://example.com</link><description>test</description>%s</channel></rss>`, title, body)
}

func rssItem(title, link, description string, published time.Time) string {
	return fmt.Sprintf(`<item><title>%s</title><link>%s</link><description><![CDATA[%s]]></description><pubDate>%s</pubDate></item>`,
		title, link, description, published.Format(time.RFC1123Z))
}

func newTestSource(t *testing.T, config Config) *Source {
	t.Helper()
	src, err := NewSource(config)
	require.NoError(t, err)
	src.now = func() time.Time { return testNow }
	return src
}

func TestSource_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/rss+xml")
		switch r.URL.Path {
		case "/tech":
			_, _ = fmt.Fprint(w, rssFeed("Tech Wire",
				rssItem("Older chip", "https://example.com/old", "<p>Old <b>news</b></p>", testNow.Add(-48*time.Hour)),
				rssItem("New chip", "https://example.com/new", "<p>Fresh &amp; <i>fast</i></p><script>x()</script>", testNow.Add(-time.Hour)),
				rssItem("Ancient", "https://example.com/ancient", "stale", testNow.Add(-30*24*time.Hour)),
			))
		case "/tech-mirror":
			_, _ = fmt.Fprint(w, rssFeed("Mirror",
				rssItem("New chip", "https://example.com/new", "duplicate", testNow.Add(-time.Hour)),
			))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	src := newTestSource(t, Config{
		Feeds: map[string][]string{
			"Technology": {server.URL + "/tech", server.URL + "/tech-mirror"},
		},
	})

	articles, err := src.Fetch(context.Background(), []string{"technology", " TECHNOLOGY ", "sports"})
	require.NoError(t, err)
	require.Len(t, articles, 2)

	assert.Equal(t, "New chip", articles[0].Title)
	assert.Equal(t, "Fresh & fast", articles[0].Description)
	assert.Equal(t, "Tech Wire", articles[0].Source)
	assert.Equal(t, "https://example.com/new", articles[0].URL)
	assert.Equal(t, "technology", articles[0].Category)
	require.NotNil(t, articles[0].PublishedAt)

	assert.Equal(t, "Older chip", articles[1].Title)
	assert.Equal(t, "Old news", articles[1].Description)
}

func TestSource_FetchCapsPerCategory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var items []string
		for i := 0; i < 5; i++ {
			items = append(items, rssItem(fmt.Sprintf("Story %d", i), fmt.Sprintf("https://example.com/%d", i), "", testNow.Add(-time.Duration(i)*time.Hour)))
		}
		_, _ = fmt.Fprint(w, rssFeed("Wire", items...))
	}))
	defer server.Close()

	src := newTestSource(t, Config{
		Feeds:          map[string][]string{"business": {server.URL}},
		MaxPerCategory: 2,
	})

	articles, err := src.Fetch(context.Background(), []string{"business"})
	require.NoError(t, err)
	require.Len(t, articles, 2)
	assert.Equal(t, "Story 0", articles[0].Title)
	assert.Equal(t, "Story 1", articles[1].Title)
}

func TestSource_FetchPartialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = fmt.Fprint(w, rssFeed("Wire", rssItem("Only story", "https://example.com/1", "", testNow)))
	}))
	defer server.Close()

	src := newTestSource(t, Config{
		Feeds: map[string][]string{
			"science": {server.URL + "/broken"},
			"health":  {server.URL + "/ok"},
		},
	})

	articles, err := src.Fetch(context.Background(), []string{"science", "health"})
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "health", articles[0].Category)
}

func TestSource_FetchAllFeedsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/garbage" {
			_, _ = fmt.Fprint(w, "this is not a feed")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	src := newTestSource(t, Config{
		Feeds: map[string][]string{"science": {server.URL + "/down", server.URL + "/garbage"}},
	})

	_, err := src.Fetch(context.Background(), []string{"science"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 feeds failed")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.True(t, statusErr.IsRetryable())
}

func TestSource_FetchUnknownCategory(t *testing.T) {
	src := newTestSource(t, Config{})

	articles, err := src.Fetch(context.Background(), []string{"astrology"})
	require.NoError(t, err)
	assert.Empty(t, articles)
}

func TestSource_SafeClientBlocksLoopback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, rssFeed("Internal"))
	}))
	defer server.Close()

	src := newTestSource(t, Config{
		Feeds:      map[string][]string{"technology": {server.URL}},
		SafeClient: true,
	})

	_, err := src.Fetch(context.Background(), []string{"technology"})
	assert.Error(t, err)
}

func TestSource_FetchContextCancelled(t *testing.T) {
	src := newTestSource(t, Config{
		Feeds:             map[string][]string{"technology": {"http://localhost:12345/feed"}},
		RequestsPerSecond: 0.001,
	})
	// Drain the single burst token so the next Wait blocks.
	src.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Fetch(ctx, []string{"technology"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSource_RejectsBadURLs(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"ftp scheme", "ftp://example.com/feed"},
		{"no host", "https:///feed"},
		{"relative", "/feed.xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSource(Config{Feeds: map[string][]string{"technology": {tt.url}}})
			assert.Error(t, err)
		})
	}
}

func TestStatusError_IsRetryable(t *testing.T) {
	assert.True(t, (&StatusError{Code: http.StatusTooManyRequests}).IsRetryable())
	assert.True(t, (&StatusError{Code: http.StatusInternalServerError}).IsRetryable())
	assert.False(t, (&StatusError{Code: http.StatusNotFound}).IsRetryable())
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "  hello \n world ", "hello world"},
		{"tags", "<p>Hello <b>world</b></p><p>Again</p>", "Hello world Again"},
		{"entities", "Tom &amp; Jerry &lt;3", "Tom & Jerry <3"},
		{"script dropped", "before<script>alert(1)</script><style>p{}</style>after", "before after"},
		{"line breaks", "one<br/>two", "one two"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PlainText(tt.input))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héllo…", truncate("héllo wörld", 5))
}
