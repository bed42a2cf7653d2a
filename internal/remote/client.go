// Package remote implements the HTTP clients for the three sync
// targets: the play intake service, the screenshot study service, and
// the save service.
//
// Failure classification is shared: network errors and 5xx responses
// are transient (the engine retries with backoff), 4xx responses are
// permanent (the engine skips the item with a sticky error). Every
// request carries an idempotency token so a retry after a lost response
// is recognized upstream as a duplicate rather than creating a second
// record.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"studysync/internal/engine"
)

const (
	requestTimeout = 10 * time.Second
	uploadTimeout  = 30 * time.Second
)

// Client is the shared HTTP transport for the remote services.
type Client struct {
	http   *http.Client
	upload *http.Client
}

// NewClient creates a Client with the standard timeouts.
func NewClient() *Client {
	return &Client{
		http:   &http.Client{Timeout: requestTimeout},
		upload: &http.Client{Timeout: uploadTimeout},
	}
}

// postJSON sends req as JSON and decodes the response body into res.
// A nil res discards the body.
func (c *Client) postJSON(ctx context.Context, url string, req, res any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return engine.Permanent(fmt.Errorf("failed to encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return engine.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return err
	}

	if res == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}

	return nil
}

// classify maps a non-success response to the engine's error taxonomy.
func classify(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return engine.Permanent(fmt.Errorf("%s %s: rejected with status %s",
			resp.Request.Method, resp.Request.URL, resp.Status))
	default:
		return fmt.Errorf("%s %s: status %s",
			resp.Request.Method, resp.Request.URL, resp.Status)
	}
}

func joinURL(base string, parts ...string) string {
	url := strings.TrimRight(base, "/")
	for _, p := range parts {
		url += "/" + strings.Trim(p, "/")
	}
	return url
}
