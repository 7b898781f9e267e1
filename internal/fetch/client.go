// Package fetch is the blocking HTTP primitive under every upstream call:
// one request, one timeout, and a typed failure that callers can sort into
// transport, status, or schema problems without string matching.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single request when the caller does not say
// otherwise.
const DefaultTimeout = 10 * time.Second

// Kind classifies a request failure.
type Kind int

const (
	// KindTransport covers DNS, TCP, TLS, and timeout failures.
	KindTransport Kind = iota
	// KindStatus is a non-2xx HTTP response.
	KindStatus
	// KindSchema is a 2xx response whose payload could not be decoded.
	KindSchema
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindSchema:
		return "schema"
	}
	return "unknown"
}

// Error is the typed failure for a single request.
type Error struct {
	Kind   Kind
	URL    string
	Status int // set for KindStatus
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("%s error fetching %s: HTTP %d", e.Kind, e.URL, e.Status)
	default:
		return fmt.Sprintf("%s error fetching %s: %v", e.Kind, e.URL, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error chain. Unclassified errors
// count as transport failures.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransport
}

// Client issues single-shot HTTP requests. Retry policy belongs to the
// scheduler's backoff, not here.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// NewClient returns a client with the given per-request timeout; zero means
// DefaultTimeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  "streamvis",
	}
}

// Timeout reports the configured per-request timeout.
func (c *Client) Timeout() time.Duration { return c.httpClient.Timeout }

// GetJSON fetches a URL with optional query parameters and decodes the JSON
// body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values, v any) error {
	body, err := c.get(ctx, rawURL, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &Error{Kind: KindSchema, URL: rawURL, Err: err}
	}
	return nil
}

// GetText fetches a URL and returns the body as a string.
func (c *Client) GetText(ctx context.Context, rawURL string, params url.Values) (string, error) {
	body, err := c.get(ctx, rawURL, params)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// PostJSON sends a JSON payload and discards the response body. Only the
// status class matters to callers (fire-and-forget publishing).
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: KindSchema, URL: rawURL, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindTransport, URL: rawURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Kind: KindStatus, URL: rawURL, Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) get(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	u := rawURL
	if len(params) > 0 {
		sep := "?"
		if bytes.ContainsRune([]byte(rawURL), '?') {
			sep = "&"
		}
		u = rawURL + sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: rawURL, Err: err}
	}
	req.Header.Set("Accept", "application/json, text/plain")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &Error{Kind: KindStatus, URL: rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: rawURL, Err: err}
	}
	return body, nil
}
