// Package match selects the recorded entry that answers a live request.
package match

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/funnyzak/recproxy/pkg/recording"
)

// Matcher decides whether a recorded request answers a live one.
type Matcher interface {
	// Matches reports whether recorded answers live.
	Matches(live, recorded *recording.Request) bool
	// Diff explains why recorded does not answer live; empty when it does.
	Diff(live, recorded *recording.Request) []string
	// Exhausting reports whether a matched entry is consumed.
	Exhausting() bool
}

// volatileHeaders differ between runs of the same test and never take part
// in matching.
var volatileHeaders = []string{
	"Date",
	"X-Ms-Date",
	"X-Ms-Client-Request-Id",
	"X-Ms-Return-Client-Request-Id",
	"User-Agent",
	"Request-Id",
	"Traceparent",
	"Tracestate",
	"Content-Length",
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"X-Abstraction-Identifier",
}

// proxyHeaderPrefix marks headers that steer the proxy itself.
const proxyHeaderPrefix = "X-Recording-"

// Options configures a RecordMatcher.
type Options struct {
	CompareBodies  bool
	CompareHeaders bool
	// ExcludedHeaders are skipped entirely.
	ExcludedHeaders []string
	// IgnoredHeaders must be present on both sides; values are not compared.
	IgnoredHeaders         []string
	IgnoreQueryOrdering    bool
	IgnoredQueryParameters []string
	SingleUse              bool
}

// RecordMatcher compares method, URI, headers and optionally the body.
type RecordMatcher struct {
	name     string
	opts     Options
	excluded map[string]struct{}
	ignored  map[string]struct{}
}

// NewRecordMatcher builds a matcher from options.
func NewRecordMatcher(name string, opts Options) *RecordMatcher {
	m := &RecordMatcher{
		name:     name,
		opts:     opts,
		excluded: make(map[string]struct{}),
		ignored:  make(map[string]struct{}),
	}
	for _, h := range volatileHeaders {
		m.excluded[h] = struct{}{}
	}
	for _, h := range opts.ExcludedHeaders {
		m.excluded[http.CanonicalHeaderKey(strings.TrimSpace(h))] = struct{}{}
	}
	for _, h := range opts.IgnoredHeaders {
		m.ignored[http.CanonicalHeaderKey(strings.TrimSpace(h))] = struct{}{}
	}
	return m
}

// Default returns the matcher used when a session has no override.
func Default() *RecordMatcher {
	return NewRecordMatcher("RecordMatcher", Options{
		CompareBodies:       true,
		CompareHeaders:      true,
		IgnoreQueryOrdering: true,
	})
}

// Name returns the identifier the matcher was built from.
func (m *RecordMatcher) Name() string { return m.name }

// Exhausting implements Matcher.
func (m *RecordMatcher) Exhausting() bool { return m.opts.SingleUse }

// Matches implements Matcher.
func (m *RecordMatcher) Matches(live, recorded *recording.Request) bool {
	if !strings.EqualFold(live.Method, recorded.Method) {
		return false
	}
	if m.uri(live.URI) != m.uri(recorded.URI) {
		return false
	}
	if m.opts.CompareHeaders && len(m.headerDiff(live.Headers, recorded.Headers)) > 0 {
		return false
	}
	if m.opts.CompareBodies && !bytes.Equal(live.Body, recorded.Body) {
		return false
	}
	return true
}

// Diff implements Matcher.
func (m *RecordMatcher) Diff(live, recorded *recording.Request) []string {
	var diff []string
	if !strings.EqualFold(live.Method, recorded.Method) {
		diff = append(diff, fmt.Sprintf("method: request %s, record %s", live.Method, recorded.Method))
	}
	if lu, ru := m.uri(live.URI), m.uri(recorded.URI); lu != ru {
		diff = append(diff, fmt.Sprintf("uri: request %s, record %s", lu, ru))
	}
	if m.opts.CompareHeaders {
		diff = append(diff, m.headerDiff(live.Headers, recorded.Headers)...)
	}
	if m.opts.CompareBodies && !bytes.Equal(live.Body, recorded.Body) {
		diff = append(diff, fmt.Sprintf("body: request %d bytes, record %d bytes differ", len(live.Body), len(recorded.Body)))
	}
	return diff
}

// fingerprintSafe reports whether entries whose fingerprint differs from
// the live request can be skipped without running the full predicate.
func (m *RecordMatcher) fingerprintSafe() bool {
	return m.opts.IgnoreQueryOrdering && len(m.opts.IgnoredQueryParameters) == 0
}

func (m *RecordMatcher) uri(raw string) string {
	if m.opts.IgnoreQueryOrdering {
		return recording.NormalizeURIExcluding(raw, m.opts.IgnoredQueryParameters)
	}
	return recording.CanonicalURI(dropQueryParams(raw, m.opts.IgnoredQueryParameters))
}

func (m *RecordMatcher) skip(key string) bool {
	if _, ok := m.excluded[key]; ok {
		return true
	}
	return strings.HasPrefix(key, proxyHeaderPrefix)
}

func (m *RecordMatcher) headerDiff(live, recorded http.Header) []string {
	keys := make(map[string]struct{}, len(live)+len(recorded))
	for k := range live {
		keys[http.CanonicalHeaderKey(k)] = struct{}{}
	}
	for k := range recorded {
		keys[http.CanonicalHeaderKey(k)] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		if !m.skip(k) {
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)

	var diff []string
	for _, k := range sorted {
		lv, lok := live[k]
		rv, rok := recorded[k]
		switch {
		case !lok:
			diff = append(diff, fmt.Sprintf("header %s: missing from request", k))
		case !rok:
			diff = append(diff, fmt.Sprintf("header %s: missing from record", k))
		default:
			if _, ignore := m.ignored[k]; ignore {
				continue
			}
			if !equalValues(lv, rv) {
				diff = append(diff, fmt.Sprintf("header %s: request %q, record %q", k, lv, rv))
			}
		}
	}
	return diff
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dropQueryParams(raw string, ignored []string) string {
	if len(ignored) == 0 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		key := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key = pair[:i]
		}
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		drop := false
		for _, name := range ignored {
			if strings.EqualFold(strings.TrimSpace(name), key) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, pair)
		}
	}
	u.RawQuery = strings.Join(kept, "&")
	return u.String()
}
