package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/jdziat/simple-backfill/pkg/core"
)

// DefaultBaseURL is the public Hacker News API.
const DefaultBaseURL = "https://hacker-news.firebaseio.com/v0"

// maxBodySize caps a single response; real items are a few KiB.
const maxBodySize = 8 << 20

// Common errors.
var (
	ErrServerError = errors.New("source: server error")
	ErrBadResponse = errors.New("source: unexpected response")
)

// Options configures the client.
type Options struct {
	// BaseURL is the API root without a trailing slash.
	// Default: DefaultBaseURL
	BaseURL string

	// MaxIdleConnsPerHost should match the fetch concurrency of a worker.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout for individual requests.
	// Default: 30s
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// RetryAttempts bounds retries of MaxItem.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		BaseURL:             DefaultBaseURL,
		MaxIdleConnsPerHost: 100,
		Timeout:             30 * time.Second,
		UserAgent:           "simple-backfill/1.0",
		RetryAttempts:       5,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
	}
}

// Client fetches items from the remote API.
type Client struct {
	client *http.Client
	opts   Options
	base   string
}

// NewClient creates a new client with the given options.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = def.RetryMaxBackoff
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
		base: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Item fetches one item. A null body or a 404 yields a tombstone.
func (c *Client) Item(ctx context.Context, id int64) (*core.Item, error) {
	body, status, err := c.get(ctx, fmt.Sprintf("%s/item/%d.json", c.base, id))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &core.TransientFetchError{ID: id, Err: err}
	}

	switch {
	case status == http.StatusNotFound:
		return core.Tombstone(id), nil
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, &core.TransientFetchError{ID: id, StatusCode: status, Err: ErrServerError}
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("%w: item %d: status %d", ErrBadResponse, id, status)
	}

	item, err := core.DecodeItem(id, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return item, nil
}

// MaxItem returns the highest ID the source has assigned.
func (c *Client) MaxItem(ctx context.Context) (int64, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return 0, err
			}
		}

		body, status, err := c.get(ctx, c.base+"/maxitem.json")
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			lastErr = err
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("%w: %d", ErrServerError, status)
			continue
		}
		if status < 200 || status >= 300 {
			return 0, fmt.Errorf("%w: maxitem: status %d", ErrBadResponse, status)
		}

		var maxID int64
		if err := json.Unmarshal(body, &maxID); err != nil {
			return 0, fmt.Errorf("%w: maxitem: %w", ErrBadResponse, err)
		}
		if maxID < 1 {
			return 0, fmt.Errorf("%w: maxitem %d", ErrBadResponse, maxID)
		}
		return maxID, nil
	}

	return 0, fmt.Errorf("maxitem request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

var _ core.Source = (*Client)(nil)
