package match

import (
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/recproxy/internal/proxyerr"
	"github.com/funnyzak/recproxy/pkg/recording"
)

func entry(method, uri string, headers http.Header, body string, status int) *recording.Entry {
	if headers == nil {
		headers = http.Header{}
	}
	var b []byte
	if body != "" {
		b = []byte(body)
	}
	return recording.NewEntry(
		&recording.Request{Method: method, URI: uri, Headers: headers, Body: b},
		&recording.Response{StatusCode: status, Headers: http.Header{}},
	)
}

func liveRequest(method, uri string, headers http.Header, body string) *recording.Request {
	if headers == nil {
		headers = http.Header{}
	}
	return &recording.Request{Method: method, URI: uri, Headers: headers, Body: []byte(body)}
}

func TestDefaultMatcherIgnoresVolatileHeadersAndQueryOrder(t *testing.T) {
	recorded := entry("GET", "https://h/items?b=2&a=1", http.Header{
		"Accept":                 {"application/json"},
		"Date":                   {"Mon, 01 Jan 2024 00:00:00 GMT"},
		"X-Ms-Client-Request-Id": {"old"},
		"User-Agent":             {"sdk/1.0"},
	}, "", 200)
	live := liveRequest("get", "https://H/items?a=1&b=2", http.Header{
		"Accept":                        {"application/json"},
		"Date":                          {"Tue, 02 Jan 2024 00:00:00 GMT"},
		"X-Ms-Client-Request-Id":        {"new"},
		"X-Recording-Id":                {"session"},
		"X-Recording-Upstream-Base-Uri": {"https://h"},
	}, "")

	i, err := Match(live, []*recording.Entry{recorded}, Default(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, i)
}

func TestDefaultMatcherComparesHeadersBothWays(t *testing.T) {
	recorded := entry("GET", "https://h/items", http.Header{"Accept": {"application/json"}}, "", 200)

	extra := liveRequest("GET", "https://h/items", http.Header{"Accept": {"application/json"}, "If-Match": {"*"}}, "")
	missing := liveRequest("GET", "https://h/items", http.Header{}, "")
	changed := liveRequest("GET", "https://h/items", http.Header{"Accept": {"text/plain"}}, "")

	for _, live := range []*recording.Request{extra, missing, changed} {
		_, err := Match(live, []*recording.Entry{recorded}, Default(), nil)
		assert.True(t, errors.Is(err, proxyerr.ErrNoMatch))
	}
}

func TestFirstMatchWins(t *testing.T) {
	pool := []*recording.Entry{
		entry("GET", "https://h/a", nil, "", 200),
		entry("GET", "https://h/b", nil, "", 201),
		entry("GET", "https://h/b", nil, "", 202),
	}
	i, err := Match(liveRequest("GET", "https://h/b", nil, ""), pool, Default(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, i)
}

func TestBodilessMatcher(t *testing.T) {
	recorded := entry("PUT", "https://h/a", nil, `{"v":1}`, 200)
	live := liveRequest("PUT", "https://h/a", nil, `{"v":2}`)

	_, err := Match(live, []*recording.Entry{recorded}, Default(), nil)
	assert.True(t, errors.Is(err, proxyerr.ErrNoMatch))

	bodiless, err := Build("BodilessMatcher", []byte("{}"))
	require.NoError(t, err)
	i, err := Match(live, []*recording.Entry{recorded}, bodiless, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, i)
}

func TestHeaderlessMatcher(t *testing.T) {
	recorded := entry("GET", "https://h/a", http.Header{"Accept": {"x"}}, "", 200)
	live := liveRequest("GET", "https://h/a", http.Header{"Accept": {"y"}}, "")

	headerless, err := Build("HeaderlessMatcher", nil)
	require.NoError(t, err)
	_, err = Match(live, []*recording.Entry{recorded}, headerless, nil)
	assert.NoError(t, err)
}

func TestCustomDefaultMatcher(t *testing.T) {
	recorded := entry("GET", "https://h/a?sig=old&x=1", http.Header{"Authorization": {"Bearer old"}, "X-Trace": {"1"}}, "a", 200)
	live := liveRequest("GET", "https://h/a?x=1&sig=new", http.Header{"Authorization": {"Bearer new"}}, "b")

	m, err := Build("CustomDefaultMatcher", []byte(`{
		"compareBodies": false,
		"excludedHeaders": "X-Trace",
		"ignoredHeaders": "Authorization",
		"ignoreQueryOrdering": true,
		"ignoredQueryParameters": "sig"
	}`))
	require.NoError(t, err)
	_, err = Match(live, []*recording.Entry{recorded}, m, nil)
	assert.NoError(t, err)

	// Ignored headers must still be present.
	noAuth := liveRequest("GET", "https://h/a?x=1", http.Header{}, "")
	_, err = Match(noAuth, []*recording.Entry{recorded}, m, nil)
	assert.True(t, errors.Is(err, proxyerr.ErrNoMatch))
}

func TestCustomDefaultMatcherRespectsQueryOrderByDefault(t *testing.T) {
	recorded := entry("GET", "https://h/a?a=1&b=2", nil, "", 200)
	live := liveRequest("GET", "https://h/a?b=2&a=1", nil, "")

	m, err := Build("CustomDefaultMatcher", []byte(`{"ignoredQueryParameters":"c"}`))
	require.NoError(t, err)
	_, err = Match(live, []*recording.Entry{recorded}, m, nil)
	assert.True(t, errors.Is(err, proxyerr.ErrNoMatch))

	same := liveRequest("GET", "https://h/a?a=1&c=9&b=2", nil, "")
	_, err = Match(same, []*recording.Entry{recorded}, m, nil)
	assert.NoError(t, err)
}

func TestUnknownMatcherIdentifier(t *testing.T) {
	_, err := Build("FuzzyMatcher", nil)
	assert.True(t, errors.Is(err, proxyerr.ErrConfiguration))

	_, err = Build("CustomDefaultMatcher", []byte(`{"compareBodies":"yes"}`))
	assert.True(t, errors.Is(err, proxyerr.ErrConfiguration))
}

func TestNoMatchCarriesRequestAndClosestDiff(t *testing.T) {
	pool := []*recording.Entry{
		entry("POST", "https://h/other", nil, "", 200),
		entry("GET", "https://h/items/2", nil, "", 200),
	}
	live := liveRequest("GET", "https://h/items/1", nil, "")

	_, err := Match(live, pool, Default(), nil)
	require.Error(t, err)

	var perr *proxyerr.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, proxyerr.KindNoMatch, perr.Kind)
	assert.Equal(t, "GET https://h/items/1", perr.Target)
	require.Len(t, perr.Detail, 2)
	assert.Contains(t, perr.Detail[1], "https://h/items/2")
}

func TestNoMatchOnEmptyPool(t *testing.T) {
	_, err := Match(liveRequest("GET", "https://h/", nil, ""), nil, Default(), nil)
	assert.True(t, errors.Is(err, proxyerr.ErrNoMatch))
	assert.Equal(t, []string{"no unconsumed records remain in this session"}, proxyerr.Details(err))
}

func TestDefaultPoolIsNotExhausting(t *testing.T) {
	pool := NewPool([]*recording.Entry{entry("GET", "https://h/a", nil, "", 200)})
	live := liveRequest("GET", "https://h/a", nil, "")

	for i := 0; i < 3; i++ {
		_, err := pool.Match(live, Default())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, pool.Remaining())
}

func TestSingleUsePoolConsumesInOrder(t *testing.T) {
	pool := NewPool([]*recording.Entry{
		entry("GET", "https://h/a", nil, "", 200),
		entry("GET", "https://h/a", nil, "", 201),
	})
	m, err := Build("CustomDefaultMatcher", []byte(`{"singleUse":true,"ignoreQueryOrdering":true}`))
	require.NoError(t, err)
	require.True(t, m.Exhausting())

	live := liveRequest("GET", "https://h/a", nil, "")
	first, err := pool.Match(live, m)
	require.NoError(t, err)
	second, err := pool.Match(live, m)
	require.NoError(t, err)
	_, err = pool.Match(live, m)

	assert.Equal(t, 200, first.Response.StatusCode)
	assert.Equal(t, 201, second.Response.StatusCode)
	assert.True(t, errors.Is(err, proxyerr.ErrNoMatch))
	assert.Equal(t, 0, pool.Remaining())
	assert.Equal(t, 2, pool.Len())
}

func TestPoolConcurrentSingleUse(t *testing.T) {
	entries := make([]*recording.Entry, 50)
	for i := range entries {
		entries[i] = entry("GET", "https://h/a", nil, "", 200+i)
	}
	pool := NewPool(entries)
	m := NewRecordMatcher("single", Options{IgnoreQueryOrdering: true, SingleUse: true})
	live := liveRequest("GET", "https://h/a", nil, "")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int]bool{}
	)
	for i := 0; i < len(entries); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := pool.Match(live, m)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[e.Response.StatusCode] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, len(entries))
}
