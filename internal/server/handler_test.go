package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/funnyzak/recproxy/internal/assets"
	"github.com/funnyzak/recproxy/internal/config"
	"github.com/funnyzak/recproxy/internal/forwarder"
	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/internal/printer"
	"github.com/funnyzak/recproxy/internal/proxyerr"
	"github.com/funnyzak/recproxy/internal/session"
	"github.com/funnyzak/recproxy/internal/storage"
)

type testEnv struct {
	root     string
	proxy    *httptest.Server
	upstream *httptest.Server
	journal  storage.Store
	wg       *sync.WaitGroup
	hits     int
	mu       sync.Mutex
}

func newTestEnv(t *testing.T, maxBody int64) *testEnv {
	t.Helper()
	env := &testEnv{root: t.TempDir(), wg: &sync.WaitGroup{}}

	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.hits++
		env.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(env.upstream.Close)

	log := logger.Nop()
	journal, err := storage.New(&config.JournalConfig{Driver: "sqlite", Path: filepath.Join(env.root, "journal.db")}, log)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	env.journal = journal
	t.Cleanup(func() { journal.Close() })

	fwd := forwarder.NewForwarder(log, forwarder.Options{Timeout: 5 * time.Second, MaxConcurrent: 4})
	t.Cleanup(fwd.Close)

	registry := session.NewRegistry(assets.NewLocalStore(env.root), fwd, log, session.Options{
		Observers: []session.Observer{&journalObserver{store: journal, logger: log}},
	})
	handler := NewHandler(
		registry,
		printer.New(&config.OutputConfig{Silence: true}, log),
		journal,
		nil,
		log,
		&HandlerConfig{MaxBodyBytes: maxBody},
		context.Background(),
		env.wg,
	)
	env.proxy = httptest.NewServer(NewRouter(handler, nil))
	t.Cleanup(env.proxy.Close)
	return env
}

func (e *testEnv) post(t *testing.T, path string, headers map[string]string, body string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, headers, body)
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.proxy.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestRecordThenPlayback(t *testing.T) {
	env := newTestEnv(t, 0)
	startBody := `{"x-recording-file": "recordings/hello.json"}`

	resp := env.post(t, "/Record/Start", nil, startBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("record start status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	recordID := resp.Header.Get(HeaderRecordingID)
	if recordID == "" {
		t.Fatalf("record start returned no id")
	}

	proxied := map[string]string{
		HeaderRecordingID:  recordID,
		HeaderUpstreamBase: env.upstream.URL,
		"Authorization":    "Bearer secret",
	}
	resp = env.do(t, http.MethodGet, "/hello?b=2&a=1", proxied, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("recorded status %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != `{"path":"/hello"}` {
		t.Fatalf("unexpected upstream body %q", body)
	}

	resp = env.post(t, "/Record/Stop", map[string]string{HeaderRecordingID: recordID}, `{"seed":"42"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("record stop status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	fixture, err := os.ReadFile(filepath.Join(env.root, "recordings", "hello.json"))
	if err != nil {
		t.Fatalf("fixture not written: %v", err)
	}
	if bytes.Contains(fixture, []byte("Bearer secret")) {
		t.Fatalf("authorization header should be sanitized in the fixture")
	}

	resp = env.post(t, "/Playback/Start", nil, startBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("playback start status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	playbackID := resp.Header.Get(HeaderRecordingID)
	var vars map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&vars); err != nil {
		t.Fatalf("decode variables: %v", err)
	}
	if vars["seed"] != "42" {
		t.Fatalf("expected recorded variables, got %v", vars)
	}

	proxied[HeaderRecordingID] = playbackID
	resp = env.do(t, http.MethodGet, "/hello?a=1&b=2", proxied, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("playback status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if body := readBody(t, resp); body != `{"path":"/hello"}` {
		t.Fatalf("unexpected playback body %q", body)
	}

	resp = env.do(t, http.MethodGet, "/missing", proxied, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unmatched request, got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Status != string(proxyerr.KindNoMatch) {
		t.Fatalf("unexpected error kind %q", body.Status)
	}

	env.mu.Lock()
	hits := env.hits
	env.mu.Unlock()
	if hits != 1 {
		t.Fatalf("playback must not reach the upstream, got %d hits", hits)
	}

	resp = env.post(t, "/Playback/Stop", map[string]string{HeaderRecordingID: playbackID}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("playback stop status %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/hello?a=1&b=2", proxied, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 after stop, got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Status != string(proxyerr.KindUnknownSession) {
		t.Fatalf("unexpected error kind %q", body.Status)
	}

	env.wg.Wait()
	items, total, err := env.journal.ListInteractions(context.Background(), storage.ListOptions{SessionID: playbackID})
	if err != nil {
		t.Fatalf("list interactions: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 journaled playback interactions, got %d", total)
	}

	resp = env.do(t, http.MethodGet, "/Admin/Sessions", nil, "")
	var sessions sessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions.Active) != 0 || len(sessions.History) != 2 {
		t.Fatalf("unexpected sessions listing: %d active, %d history", len(sessions.Active), len(sessions.History))
	}
}

func TestStartErrors(t *testing.T) {
	env := newTestEnv(t, 0)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"blank recording file", "/Record/Start", `{}`},
		{"invalid json", "/Record/Start", `{`},
		{"escaping path", "/Record/Start", `{"x-recording-file": "../outside.json"}`},
		{"missing playback fixture", "/Playback/Start", `{"x-recording-file": "nope.json"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, tt.path, nil, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			if body := decodeError(t, resp); body.Status != string(proxyerr.KindConfiguration) {
				t.Fatalf("unexpected error kind %q", body.Status)
			}
		})
	}
}

func TestStopWrongMode(t *testing.T) {
	env := newTestEnv(t, 0)
	resp := env.post(t, "/Record/Start", nil, `{"x-recording-file": "a.json"}`)
	id := resp.Header.Get(HeaderRecordingID)

	resp = env.post(t, "/Playback/Stop", map[string]string{HeaderRecordingID: id}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for mode mismatch, got %d", resp.StatusCode)
	}

	resp = env.post(t, "/Record/Stop", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 when id header is missing, got %d", resp.StatusCode)
	}
}

func TestProxyRequiresSession(t *testing.T) {
	env := newTestEnv(t, 0)

	resp := env.do(t, http.MethodGet, "/anything", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without recording id, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/anything", map[string]string{HeaderRecordingID: "bad-recording-id"}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown id, got %d", resp.StatusCode)
	}
}

func TestRecordRequiresUpstream(t *testing.T) {
	env := newTestEnv(t, 0)
	resp := env.post(t, "/Record/Start", nil, `{"x-recording-file": "a.json"}`)
	id := resp.Header.Get(HeaderRecordingID)

	resp = env.do(t, http.MethodGet, "/hello", map[string]string{HeaderRecordingID: id}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without upstream base, got %d", resp.StatusCode)
	}
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t, 8)
	resp := env.post(t, "/Record/Start", nil, `{"x-recording-file": "long-enough.json"}`)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, 0)

	resp := env.post(t, "/Admin/AddSanitizer", nil, `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing identifier, got %d", resp.StatusCode)
	}

	resp = env.post(t, "/Admin/AddSanitizer", map[string]string{HeaderIdentifier: "AnInvalidSanitizer"}, `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown sanitizer, got %d", resp.StatusCode)
	}

	resp = env.post(t, "/Admin/SetMatcher", map[string]string{
		HeaderIdentifier:  "BodilessMatcher",
		HeaderRecordingID: "bad-recording-id",
	}, `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown session scope, got %d", resp.StatusCode)
	}

	resp = env.post(t, "/Admin/SetMatcher", map[string]string{HeaderIdentifier: "BodilessMatcher"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set matcher status %d: %s", resp.StatusCode, readBody(t, resp))
	}

	resp = env.do(t, http.MethodGet, "/Info/Available", nil, "")
	var available availableResponse
	if err := json.NewDecoder(resp.Body).Decode(&available); err != nil {
		t.Fatalf("decode available: %v", err)
	}
	if available.Active.Matcher != "BodilessMatcher" {
		t.Fatalf("expected active matcher BodilessMatcher, got %q", available.Active.Matcher)
	}
	if len(available.Sanitizers) == 0 || len(available.Transforms) == 0 || len(available.Matchers) == 0 {
		t.Fatalf("catalogue should not be empty")
	}

	resp = env.post(t, "/Admin/Reset", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/Info/Available", nil, "")
	available = availableResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&available); err != nil {
		t.Fatalf("decode available: %v", err)
	}
	if available.Active.Matcher != "RecordMatcher" {
		t.Fatalf("reset should restore RecordMatcher, got %q", available.Active.Matcher)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{proxyerr.Configuration("x", "bad"), http.StatusBadRequest},
		{proxyerr.UnknownSession("id"), http.StatusBadRequest},
		{proxyerr.NoMatch("GET", "/", nil), http.StatusNotFound},
		{proxyerr.ConfigNotFound("/tmp"), http.StatusBadRequest},
		{proxyerr.AssetIO("repo", errors.New("boom"), "push failed"), http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
