package gen

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

// maxFeedBody caps how much of a feed response we read before parsing.
const maxFeedBody = 1 << 20

// Headline is a single news item pulled from a configured feed.
type Headline struct {
	Title  string
	Source string
}

// NewsClient fetches RSS/Atom headlines. Feeds are fetched with a bounded
// HTTP client and the parser runs on the already-retrieved bytes, so a slow
// upstream can never hold the generator past its deadline.
type NewsClient struct {
	urls     []string
	maxItems int
	client   *http.Client
	parser   *gofeed.Parser
	log      *slog.Logger
}

// NewNewsClient creates a client over the given feed URLs keeping at most
// maxItems headlines in total.
func NewNewsClient(urls []string, maxItems int, log *slog.Logger) *NewsClient {
	if maxItems <= 0 {
		maxItems = 5
	}
	return &NewsClient{
		urls:     urls,
		maxItems: maxItems,
		client:   &http.Client{Timeout: fetchTimeout},
		parser:   gofeed.NewParser(),
		log:      log,
	}
}

// Fetch returns up to maxItems headlines collected round-robin across all
// configured feeds. A feed that fails to fetch or parse is logged and
// skipped; Fetch errors only when every feed failed.
func (c *NewsClient) Fetch(ctx context.Context) ([]Headline, error) {
	if len(c.urls) == 0 {
		return nil, nil
	}

	perFeed := make([][]Headline, 0, len(c.urls))
	var lastErr error
	for _, u := range c.urls {
		items, err := c.fetchOne(ctx, u)
		if err != nil {
			lastErr = err
			c.log.Warn("news feed failed", "url", u, "error", err)
			continue
		}
		perFeed = append(perFeed, items)
	}
	if len(perFeed) == 0 {
		return nil, fmt.Errorf("news: all feeds failed: %w", lastErr)
	}

	// Round-robin so one verbose feed cannot crowd out the others.
	var out []Headline
	for i := 0; len(out) < c.maxItems; i++ {
		progressed := false
		for _, feed := range perFeed {
			if i < len(feed) {
				out = append(out, feed[i])
				progressed = true
				if len(out) == c.maxItems {
					break
				}
			}
		}
		if !progressed {
			break
		}
	}
	return out, nil
}

func (c *NewsClient) fetchOne(ctx context.Context, feedURL string) ([]Headline, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, err
	}

	feed, err := c.parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	source := feed.Title
	if source == "" {
		source = feedURL
	}
	items := make([]Headline, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item.Title == "" {
			continue
		}
		// Skip stale items when the feed carries publication times.
		if item.PublishedParsed != nil && time.Since(*item.PublishedParsed) > 48*time.Hour {
			continue
		}
		items = append(items, Headline{Title: item.Title, Source: source})
	}
	return items, nil
}
