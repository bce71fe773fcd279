// Package serp talks to the external search APIs: organic results and
// site size via Google Custom Search, keyword volumes via the metrics
// service.
package serp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/config"
	"github.com/koyorikoyote/datascraper-api-example/internal/metrics"
	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

const (
	// topResultLimit is how deep FetchTopResults paginates.
	topResultLimit = 100

	// pageSize is the API maximum per request.
	pageSize = 10

	maxSearchRetries = 5
)

// Client implements ranker.SearchClient against Google Custom Search
// and the volume service.
type Client struct {
	cfg    config.SearchConfig
	http   *http.Client
	logger *zap.Logger
}

// New creates a search Client.
func New(cfg config.SearchConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// NewWithHTTPClient injects the HTTP client, primarily for testing.
func NewWithHTTPClient(cfg config.SearchConfig, hc *http.Client, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, http: hc, logger: logger}
}

type searchResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
	SearchInformation struct {
		TotalResults string `json:"totalResults"`
	} `json:"searchInformation"`
}

// FetchTopResults returns up to the top 100 organic hits for a
// Japanese-market query, paginating ten at a time until the API runs
// out of results.
func (c *Client) FetchTopResults(ctx context.Context, keyword string) ([]ranker.SearchItem, error) {
	var items []ranker.SearchItem
	for start := 1; start <= topResultLimit; start += pageSize {
		resp, err := c.search(ctx, keyword, start)
		if err != nil {
			return nil, err
		}
		for _, it := range resp.Items {
			items = append(items, ranker.SearchItem{
				Title:   it.Title,
				Link:    it.Link,
				Snippet: it.Snippet,
			})
		}
		if len(resp.Items) < pageSize {
			break
		}
	}
	return items, nil
}

// SiteSize returns the approximate indexed page count for a domain, 0
// when the API reports nothing usable.
func (c *Client) SiteSize(ctx context.Context, domain string) (int64, error) {
	resp, err := c.search(ctx, "site:"+domain, 1)
	if err != nil {
		return 0, err
	}
	total := resp.SearchInformation.TotalResults
	if total == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil || n < 0 {
		c.logger.Warn("unparseable total results",
			zap.String("domain", domain),
			zap.String("total", total))
		return 0, nil
	}
	return n, nil
}

func (c *Client) search(ctx context.Context, query string, start int) (*searchResponse, error) {
	params := url.Values{}
	params.Set("key", c.cfg.APIKey)
	params.Set("cx", c.cfg.EngineID)
	params.Set("q", query)
	params.Set("lr", "lang_ja")
	params.Set("gl", "jp")
	params.Set("num", strconv.Itoa(pageSize))
	params.Set("start", strconv.Itoa(start))

	body, err := c.getWithRetry(ctx, "search", c.cfg.BaseURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return &resp, nil
}

// getWithRetry performs a GET, backing off on 429 up to
// maxSearchRetries attempts.
func (c *Client) getWithRetry(ctx context.Context, kind, fullURL string) ([]byte, error) {
	var lastStatus int
	for attempt := 0; attempt < maxSearchRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			c.logger.Warn("search API rate limited, backing off",
				zap.String("kind", kind),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build search request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("search request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read search response: %w", err)
		}
		metrics.ObserveSearchRequest(kind, resp.StatusCode)
		lastStatus = resp.StatusCode

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			continue
		default:
			return nil, fmt.Errorf("search API returned status %d", resp.StatusCode)
		}
	}
	return nil, fmt.Errorf("search API rate limited after %d attempts (last status %d)", maxSearchRetries, lastStatus)
}
