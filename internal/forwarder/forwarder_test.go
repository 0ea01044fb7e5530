package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/pkg/recording"
)

func newTestForwarder(opts Options) *Forwarder {
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	return NewForwarder(logger.Nop(), opts)
}

func TestDoCapturesResponse(t *testing.T) {
	var gotHeaders http.Header
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Ms-Request-Id", "abc")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	f := newTestForwarder(Options{Timeout: 5 * time.Second})
	defer f.Close()

	resp, err := f.Do(context.Background(), &recording.Request{
		Method: http.MethodPut,
		URI:    srv.URL + "/container/blob?comp=block",
		Headers: http.Header{
			"Content-Type":                  {"text/plain"},
			"X-Recording-Id":                {"session"},
			"X-Recording-Upstream-Base-Uri": {srv.URL},
			"Connection":                    {"keep-alive"},
		},
		Body: []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("Expected status 201, got %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("Unexpected body %q", resp.Body)
	}
	if resp.Headers.Get("X-Ms-Request-Id") != "abc" {
		t.Errorf("Expected upstream header to be captured, got %v", resp.Headers)
	}
	if gotBody != "hello" {
		t.Errorf("Expected upstream to receive body, got %q", gotBody)
	}
	if gotHeaders.Get("X-Recording-Id") != "" || gotHeaders.Get("X-Recording-Upstream-Base-Uri") != "" {
		t.Errorf("Control headers leaked upstream: %v", gotHeaders)
	}
	if gotHeaders.Get("Content-Type") != "text/plain" {
		t.Errorf("Expected content type to be forwarded, got %v", gotHeaders)
	}
}

func TestDoDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	f := newTestForwarder(Options{Timeout: 5 * time.Second})
	defer f.Close()

	resp, err := f.Do(context.Background(), &recording.Request{Method: http.MethodGet, URI: srv.URL + "/start"})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("Expected 302 to be returned as is, got %d", resp.StatusCode)
	}
	if resp.Headers.Get("Location") != "/elsewhere" {
		t.Errorf("Expected Location header, got %v", resp.Headers)
	}
}

func TestDoReturnsErrorStatusWithoutRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestForwarder(Options{Timeout: 5 * time.Second, Retries: 3})
	defer f.Close()

	resp, err := f.Do(context.Background(), &recording.Request{Method: http.MethodGet, URI: srv.URL})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
	if resp.Body != nil {
		t.Errorf("Expected nil body for empty response, got %q", resp.Body)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("Expected a single attempt, got %d", n)
	}
}

func TestDoRetriesTransportErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	f := newTestForwarder(Options{Timeout: time.Second, Retries: 2})
	defer f.Close()

	_, err = f.Do(context.Background(), &recording.Request{Method: http.MethodGet, URI: "http://" + addr + "/"})
	if err == nil {
		t.Fatal("Expected transport error")
	}
}

func TestDoAfterClose(t *testing.T) {
	f := newTestForwarder(Options{})
	f.Close()
	_, err := f.Do(context.Background(), &recording.Request{Method: http.MethodGet, URI: "http://127.0.0.1/"})
	if !errors.Is(err, ErrForwarderClosed) {
		t.Fatalf("Expected ErrForwarderClosed, got %v", err)
	}
	// Close is idempotent
	f.Close()
}

func TestShouldForwardHeader(t *testing.T) {
	tests := map[string]bool{
		"Content-Type":      true,
		"Authorization":     true,
		"Host":              false,
		"Connection":        false,
		"Transfer-Encoding": false,
		"Content-Length":    false,
		"x-recording-id":    false,
		"X-Recording-Mode":  false,
		"X-Ms-Version":      true,
	}
	for header, want := range tests {
		if got := ShouldForwardHeader(header); got != want {
			t.Errorf("ShouldForwardHeader(%q) = %v, want %v", header, got, want)
		}
	}
}
