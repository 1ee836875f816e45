package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RequestError is a venue API failure carrying enough to classify it
// for retry: HTTP status and whether the transport timed out.
type RequestError struct {
	Op         string
	StatusCode int // 0 when the request never got a response
	Timeout    bool
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Retryable classifies per the engine's taxonomy: timeouts, rate-limit
// rejections and transient 5xx retry; auth and bad-request failures do
// not.
func (e *RequestError) Retryable() bool {
	if e.Timeout {
		return true
	}
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 0:
		// transport-level failure without a response
		return true
	default:
		return false
	}
}

// Client is a thin venue HTTP client with separate connect and read
// timeouts. The read timeout is enforced per request via context so a
// stalled response body cannot hang a cycle.
type Client struct {
	BaseURL     string
	Token       string
	ReadTimeout time.Duration
	HTTP        *http.Client
}

// NewClient builds a client whose transport dials with connectTimeout
// and whose requests are bounded by readTimeout.
func NewClient(baseURL, token string, connectTimeout, readTimeout time.Duration) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Token:       token,
		ReadTimeout: readTimeout,
		HTTP: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: readTimeout,
			},
		},
	}
}

// Do performs one request and decodes a JSON response into out (out may
// be nil). Failures come back as *RequestError so the retry layer can
// classify them.
func (c *Client) Do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	op := method + " " + path

	if c.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ReadTimeout)
		defer cancel()
	}

	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Op: op, Err: err}
		}
		rd = strings.NewReader(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		timeout := false
		var ne net.Error
		if errors.As(err, &ne) {
			timeout = ne.Timeout()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timeout = true
		}
		return &RequestError{Op: op, Timeout: timeout, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
