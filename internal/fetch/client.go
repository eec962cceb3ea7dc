package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"dashrelay/internal/logger"
)

// ErrNotFound marks a 404 from the origin, so callers can distinguish a
// missing segment from transport trouble.
var ErrNotFound = errors.New("not found")

// Client performs all communication with the origin server. It is safe for
// use by concurrent sessions.
type Client struct {
	httpClient *http.Client
	log        logger.Logger
	userAgent  string
	timeout    time.Duration
}

// NewClient builds an origin client. timeout bounds each individual
// request; zero means 10 seconds.
func NewClient(log logger.Logger, userAgent string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		ResponseHeaderTimeout: 3 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:       log,
		userAgent: userAgent,
		timeout:   timeout,
	}
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.httpClient.Do(req)
}

// FetchManifest retrieves manifest text, following a single redirect and
// reporting the final URL so relative segment paths resolve against it.
func (c *Client) FetchManifest(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.log.Debugf("Fetching manifest from %s", url)
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch manifest from %s: %w", url, err)
	}
	defer resp.Body.Close()

	finalURL := url
	if resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusMovedPermanently {
		location, err := resp.Location()
		if err != nil {
			return nil, "", fmt.Errorf("manifest redirect location error: %w", err)
		}
		finalURL = location.String()
		c.log.Debugf("Manifest redirected to %s", finalURL)

		resp2, err := c.get(ctx, finalURL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to fetch redirected manifest from %s: %w", finalURL, err)
		}
		defer resp2.Body.Close()
		resp = resp2
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("manifest %s: %w", finalURL, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("manifest fetch returned status %d from %s", resp.StatusCode, finalURL)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read manifest body: %w", err)
	}
	return data, finalURL, nil
}

// FetchSegment opens a segment for reading. The body is streamed, not
// buffered, so arbitrarily large segments pass through in constant memory;
// the caller owns closing it. Cancelling ctx aborts the transfer.
func (c *Client) FetchSegment(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segment %s: %w", url, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("segment %s: %w", url, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("segment %s returned status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}
