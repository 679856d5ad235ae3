package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Backend forwards the filtered request to the upstream service.
// Any error means no usable response was received.
type Backend interface {
	Do(ctx context.Context, baseURL string, req *Request) (*Response, error)
}

// BackendConfig configures HTTPBackend.
type BackendConfig struct {
	// DefaultURL is used for APIs without a backend URL of their own.
	DefaultURL      string
	Timeout         time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	MaxResponseSize int64
}

// hopHeaders are connection scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPBackend implements Backend over net/http.
type HTTPBackend struct {
	config     BackendConfig
	httpClient *http.Client
}

// NewHTTPBackend creates a new HTTP backend
func NewHTTPBackend(config BackendConfig) *HTTPBackend {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxResponseSize == 0 {
		config.MaxResponseSize = 10 << 20
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 100 * time.Millisecond
	}

	return &HTTPBackend{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Do sends req to baseURL joined with the request path. Transport failures of
// idempotent requests are retried; any HTTP status is a valid response.
func (b *HTTPBackend) Do(ctx context.Context, baseURL string, req *Request) (*Response, error) {
	if baseURL == "" {
		baseURL = b.config.DefaultURL
	}
	if baseURL == "" {
		return nil, errors.New("no backend url configured")
	}
	target := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	attempts := 1
	if idempotent(req.Method) {
		attempts += b.config.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.config.RetryDelay * time.Duration(attempt)):
			}
		}

		resp, err := b.send(ctx, target, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (b *HTTPBackend) send(ctx context.Context, target string, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend request: %w", err)
	}
	httpReq.Header = req.Headers.Clone()
	for _, h := range hopHeaders {
		httpReq.Header.Del(h)
	}
	if req.ClientIP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.ClientIP)
	}

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, b.config.MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	if int64(len(body)) > b.config.MaxResponseSize {
		return nil, fmt.Errorf("backend response exceeds %d bytes", b.config.MaxResponseSize)
	}

	headers := httpResp.Header.Clone()
	for _, h := range hopHeaders {
		headers.Del(h)
	}
	headers.Del("Content-Length")

	return &Response{Status: httpResp.StatusCode, Headers: headers, Body: body}, nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
