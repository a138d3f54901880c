// Package upstream implements the rate-limited Comic Vine API client and the
// asset-URL rewriting that routes cover images back through this gateway.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBaseURL is the Comic Vine API root.
	DefaultBaseURL = "https://comicvine.gamespot.com/api"

	requestTimeout = 20 * time.Second

	// Comic Vine rejects requests without a browser-looking User-Agent.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var (
	// ErrBlocked means Comic Vine answered 403: the server's IP is most
	// likely blocked by its anti-bot layer. Handlers surface this as an
	// operator-actionable diagnostic instead of a generic upstream error.
	ErrBlocked = errors.New("upstream rejected the request (403)")

	// ErrMalformed means the upstream answered 2xx but the body was not
	// valid JSON. Distinct from ErrStatus so "reachable but broken" is
	// diagnosable separately from "rejected".
	ErrMalformed = errors.New("upstream returned an unparsable response")

	// ErrStatus covers any other non-2xx upstream status.
	ErrStatus = errors.New("upstream returned an error status")
)

// Client issues paced, credential-injected calls to the Comic Vine API.
type Client struct {
	baseURL string
	apiKey  string
	pacer   *Pacer
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the Comic Vine API root (tests point this at a fake).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client (e.g. to add an outbound proxy).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient returns a Comic Vine client. apiKey is injected into every call
// that does not already carry one; pacer spaces all calls process-wide.
func NewClient(apiKey string, pacer *Pacer, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		pacer:   pacer,
		http:    &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get calls a Comic Vine endpoint (e.g. "/issues") with the given query,
// injecting the configured api_key when the caller supplied none and forcing
// format=json. The call waits on the pacer before going out.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (map[string]any, error) {
	q := url.Values{}
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if q.Get("api_key") == "" && c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	q.Set("format", "json")

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for upstream slot: %w", err)
	}

	reqURL := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", "cv_"+uuid.New().String()[:12])

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d from %s", ErrStatus, resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		// Raw body is excerpted only in this failure path.
		log.Error().
			Int("status", resp.StatusCode).
			Str("content_type", resp.Header.Get("Content-Type")).
			Str("content_length", resp.Header.Get("Content-Length")).
			Str("path", path).
			Str("body_excerpt", excerpt(body, 200)).
			Msg("upstream_malformed_response")
		return nil, fmt.Errorf("%w: %s", ErrMalformed, path)
	}
	return payload, nil
}

func excerpt(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
