package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultUpstreamTimeout bounds the wait for upstream response headers.
	DefaultUpstreamTimeout = 60 * time.Second
	// DefaultConnectTimeout bounds dialing the upstream.
	DefaultConnectTimeout = 10 * time.Second
)

// UpstreamRequest is a forwarded call to a profile's endpoint.
type UpstreamRequest struct {
	Method string
	URL    string
	APIKey string
	Header http.Header
	Body   []byte
}

// UpstreamResponse is the upstream answer. Body is streamed and must be closed.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// Duration is the time until response headers arrived.
	Duration time.Duration
}

// Upstream performs forwarded calls.
type Upstream interface {
	Do(ctx context.Context, req UpstreamRequest) (*UpstreamResponse, error)
}

// HTTPUpstream forwards over net/http.
type HTTPUpstream struct {
	client *http.Client
}

// NewHTTPUpstream builds an upstream client. Response bodies are passed through undecoded.
func NewHTTPUpstream(timeout, connectTimeout time.Duration) *HTTPUpstream {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: timeout,
		DisableCompression:    true,
	}
	return &HTTPUpstream{client: &http.Client{Transport: transport}}
}

// Do sends req and returns once response headers are read.
func (u *HTTPUpstream) Do(ctx context.Context, req UpstreamRequest) (*UpstreamResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, errNew := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if errNew != nil {
		return nil, fmt.Errorf("relay: build upstream request: %w", errNew)
	}
	httpReq.Header = buildUpstreamHeader(req.Header, req.APIKey)
	httpReq.ContentLength = int64(len(req.Body))

	began := time.Now()
	resp, errDo := u.client.Do(httpReq)
	if errDo != nil {
		return nil, fmt.Errorf("relay: upstream request: %w", errDo)
	}
	return &UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Duration:   time.Since(began),
	}, nil
}
