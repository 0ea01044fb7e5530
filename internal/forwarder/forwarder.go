package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/pkg/recording"
)

// Forwarder sends recorded requests to their real upstream
type Forwarder struct {
	client        *http.Client
	logger        logger.Logger
	timeout       time.Duration
	retries       int
	backoff       time.Duration
	maxConcurrent int
	workerPool    chan struct{}
	mu            sync.Mutex
	cond          *sync.Cond
	closed        bool
	activeCalls   int
}

// Options configures the upstream client
type Options struct {
	Timeout               time.Duration
	Retries               int
	MaxConcurrent         int
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	TLSInsecureSkipVerify bool
	// RetryBackoff is the first backoff step; defaults to one second.
	RetryBackoff time.Duration
}

// ErrForwarderClosed indicates the forwarder has been shut down.
var ErrForwarderClosed = errors.New("forwarder is closed")

// NewForwarder creates new forwarder
func NewForwarder(logger logger.Logger, opts Options) *Forwarder {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        positiveOrDefault(opts.MaxIdleConns, 200),
		MaxIdleConnsPerHost: positiveOrDefault(opts.MaxIdleConnsPerHost, opts.MaxConcurrent),
		MaxConnsPerHost:     positiveOrDefault(opts.MaxConnsPerHost, opts.MaxConcurrent*2),
		IdleConnTimeout:     durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: durationOrDefault(
			opts.ResponseHeaderTimeout,
			60*time.Second,
		),
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: durationOrDefault(opts.ExpectContinueTimeout, 1*time.Second),
		// Bodies are stored as sent on the wire.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("HTTP/2 unavailable for upstream transport", "error", err)
	}

	f := &Forwarder{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			// Redirects are part of the recorded exchange.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:        logger,
		timeout:       opts.Timeout,
		retries:       opts.Retries,
		backoff:       durationOrDefault(opts.RetryBackoff, time.Second),
		maxConcurrent: opts.MaxConcurrent,
		workerPool:    make(chan struct{}, opts.MaxConcurrent),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Do sends req upstream and returns the captured response. Only transport
// failures are retried; any HTTP status is a valid answer.
func (f *Forwarder) Do(ctx context.Context, req *recording.Request) (*recording.Response, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrForwarderClosed
	}
	f.activeCalls++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.activeCalls--
		if f.activeCalls == 0 {
			f.cond.Broadcast()
		}
		f.mu.Unlock()
	}()

	// Get worker token (control concurrent count)
	select {
	case f.workerPool <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-f.workerPool }()

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * f.backoff
			if backoff > 30*time.Second {
				backoff = 30 * time.Second // Maximum backoff time
			}

			select {
			case <-ctx.Done():
				f.logger.Info("Forward cancelled by context",
					"uri", req.URI,
					"attempt", attempt+1,
				)
				return nil, ctx.Err()
			case <-time.After(backoff):
				// Continue retry
			}
		}

		resp, err := f.doForward(ctx, req)
		if err == nil {
			f.logger.Debug("Request forwarded",
				"method", req.Method,
				"uri", req.URI,
				"status", resp.StatusCode,
				"attempt", attempt+1,
			)
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.logger.Warn("Forward attempt failed",
			"uri", req.URI,
			"error", err.Error(),
			"attempt", attempt+1,
		)
	}

	f.logger.Error("All forward attempts failed",
		"uri", req.URI,
		"final_error", lastErr.Error(),
		"total_attempts", f.retries+1,
	)
	return nil, lastErr
}

// doForward executes single forward
func (f *Forwarder) doForward(ctx context.Context, data *recording.Request) (*recording.Response, error) {
	req, err := http.NewRequestWithContext(ctx, data.Method, data.URI, bytes.NewReader(data.Body))
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	if data.Body == nil {
		req.Body = http.NoBody
		req.ContentLength = 0
	}

	for key, values := range data.Headers {
		if ShouldForwardHeader(key) {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
	}
	// An explicit Host header targets a virtual host on the upstream.
	if host := data.Headers.Get("Host"); host != "" {
		req.Host = host
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Warn("Failed to close response body", "error", cerr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	headers := http.Header{}
	for key, values := range resp.Header {
		if !isHopByHop(key) {
			headers[key] = append([]string(nil), values...)
		}
	}
	if len(body) == 0 {
		body = nil
	}
	return &recording.Response{StatusCode: resp.StatusCode, Headers: headers, Body: body}, nil
}

var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopByHop(key string) bool {
	return hopByHop[strings.ToLower(key)]
}

// ShouldForwardHeader reports whether a client header travels upstream.
// Hop-by-hop headers and the proxy's own x-recording-* controls do not.
func ShouldForwardHeader(key string) bool {
	lowerKey := strings.ToLower(key)
	if isHopByHop(lowerKey) {
		return false
	}
	switch lowerKey {
	case "host", "content-length":
		// Set from the request itself
		return false
	}
	return !strings.HasPrefix(lowerKey, "x-recording-")
}

// MaxConcurrent gets current maximum concurrent count
func (f *Forwarder) MaxConcurrent() int {
	return f.maxConcurrent
}

// Close waits for in-flight requests and releases idle connections
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for f.activeCalls > 0 {
		f.cond.Wait()
	}
	f.mu.Unlock()

	// Close idle connections of HTTP client
	if transport, ok := f.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
