package transform

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/recproxy/internal/proxyerr"
	"github.com/funnyzak/recproxy/pkg/recording"
)

func matchedEntry() *recording.Entry {
	return recording.NewEntry(
		&recording.Request{Method: "GET", URI: "https://h/item", Headers: http.Header{"X-Ms-Version": {"2019-01-01"}}},
		&recording.Response{
			StatusCode: 200,
			Headers: http.Header{
				"Content-Type":           {"application/json"},
				"X-Ms-Version":           {"2019-01-01"},
				"X-Ms-Client-Request-Id": {"recorded-id"},
				"Location":               {"https://recorded.example.com/item"},
			},
			Body: []byte(`{"name":"${tableName}","other":"${unknown}"}`),
		},
	)
}

func mustBuild(t *testing.T, id, cfg string) Stage {
	t.Helper()
	s, err := Build(id, []byte(cfg))
	require.NoError(t, err)
	return s
}

func TestApiVersionTransformNeedsNoBody(t *testing.T) {
	stage := mustBuild(t, "ApiVersionTransform", "")
	live := &recording.Request{Method: "GET", URI: "https://h/item", Headers: http.Header{"X-Ms-Version": {"2023-11-03"}}}

	matched := matchedEntry()
	resp := Apply(live, matched, []Stage{stage})

	assert.Equal(t, "2023-11-03", resp.Headers.Get("X-Ms-Version"))
	assert.Equal(t, "2019-01-01", matched.Response.Headers.Get("X-Ms-Version"), "stored entry must not change")
}

func TestCopyTransformsAreNoOpWithoutLiveHeader(t *testing.T) {
	stages := []Stage{
		mustBuild(t, "ApiVersionTransform", `{"headerName":"x-custom-version"}`),
		mustBuild(t, "ClientIdTransform", `{}`),
		mustBuild(t, "StorageRequestIdTransform", `{}`),
	}
	live := &recording.Request{Method: "GET", URI: "https://h/item", Headers: http.Header{}}

	resp := Apply(live, matchedEntry(), stages)
	assert.Equal(t, matchedEntry().Response.Headers, resp.Headers)
}

func TestStorageRequestIdTransform(t *testing.T) {
	stage := mustBuild(t, "StorageRequestIdTransform", `{}`)
	live := &recording.Request{Headers: http.Header{"X-Ms-Client-Request-Id": {"live-id"}}}

	resp := Apply(live, matchedEntry(), []Stage{stage})
	assert.Equal(t, "live-id", resp.Headers.Get("X-Ms-Client-Request-Id"))
}

func TestHeaderTransform(t *testing.T) {
	set := mustBuild(t, "HeaderTransform", `{"key":"x-added","value":"yes"}`)
	rewrite := mustBuild(t, "HeaderTransform", `{"key":"Location","value":"localhost:5000","regex":"recorded\\.example\\.com"}`)
	absent := mustBuild(t, "HeaderTransform", `{"key":"Missing","value":"x","regex":"."}`)

	resp := Apply(nil, matchedEntry(), []Stage{set}, []Stage{rewrite, absent})
	assert.Equal(t, "yes", resp.Headers.Get("X-Added"))
	assert.Equal(t, "https://localhost:5000/item", resp.Headers.Get("Location"))
	_, ok := resp.Headers["Missing"]
	assert.False(t, ok)

	_, err := Build("HeaderTransform", []byte(`{"key":" "}`))
	assert.True(t, errors.Is(err, proxyerr.ErrConfiguration))
}

func TestUnknownTransformIdentifier(t *testing.T) {
	_, err := Build("NotATransform", nil)
	assert.True(t, errors.Is(err, proxyerr.ErrConfiguration))
}

func TestApplyVariables(t *testing.T) {
	resp := Apply(nil, matchedEntry())
	ApplyVariables(resp, map[string]string{"tableName": "t42"})
	assert.Equal(t, `{"name":"t42","other":"${unknown}"}`, string(resp.Body))

	binary := &recording.Response{Headers: http.Header{}, Body: []byte("${tableName}")}
	ApplyVariables(binary, map[string]string{"tableName": "t42"})
	assert.Equal(t, "${tableName}", string(binary.Body))

	compressed := &recording.Response{
		Headers: http.Header{"Content-Type": {"text/plain"}, "Content-Encoding": {"deflate"}},
		Body:    []byte("${tableName}"),
	}
	ApplyVariables(compressed, map[string]string{"tableName": "t42"})
	assert.Equal(t, "${tableName}", string(compressed.Body))
}
