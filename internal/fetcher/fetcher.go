// Package fetcher handles RSS feed downloading and entry normalization.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// DefaultUserAgent identifies the fetcher to feed servers.
const DefaultUserAgent = "Mozilla/5.0 (compatible; feedsift/1.0; +https://github.com/feedsift)"

const maxBodySize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-success HTTP status from a feed server.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Entry is one normalized feed entry.
type Entry struct {
	Title       string
	Link        string
	Description string
	Content     string
	PublishedAt time.Time
}

// Fetcher downloads and parses RSS feeds.
type Fetcher struct {
	client    HTTPClient
	userAgent string
	log       *slog.Logger
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient, userAgent string, log *slog.Logger) *Fetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
		log:       log,
	}
}

// NewHTTPClient builds the feed client: fixed connect and header timeouts,
// a bounded total timeout, and redirects followed up to ten hops.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return nil
		},
	}
}

// Fetch downloads and parses a feed. A connection failure is retried once;
// HTTP status errors are not.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	body, err := f.get(ctx, url)
	if err != nil && isConnError(ctx, err) {
		f.log.Warn("retrying feed fetch", "url", url, "error", err)
		body, err = f.get(ctx, url)
	}
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// isConnError reports whether err is a transport failure worth one retry.
func isConnError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	return !errors.As(err, &se)
}

// Entries normalizes parsed feed items. The link falls back to the GUID;
// items with neither are dropped.
func Entries(feed *gofeed.Feed) []Entry {
	if feed == nil {
		return nil
	}
	entries := make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			link = strings.TrimSpace(item.GUID)
		}
		if link == "" {
			continue
		}
		entries = append(entries, Entry{
			Title:       strings.TrimSpace(item.Title),
			Link:        link,
			Description: item.Description,
			Content:     item.Content,
			PublishedAt: publishedAt(item),
		})
	}
	return entries
}

func publishedAt(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return time.Now().UTC()
}
