// Package transform adapts a replayed response to the live request that
// matched it.
package transform

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/funnyzak/recproxy/internal/proxyerr"
	"github.com/funnyzak/recproxy/internal/registry"
	"github.com/funnyzak/recproxy/pkg/recording"
)

// Transform rewrites resp, a private copy of the matched response, using
// information from the live request. A transform that finds nothing to
// copy does nothing.
type Transform interface {
	Transform(live *recording.Request, resp *recording.Response)
}

// Stage is a transform together with the identifier it was built from.
type Stage struct {
	ID        string
	Transform Transform
}

// Catalog is the process-wide identifier to transform factory registry.
var Catalog = registry.New[Transform]("transform")

// Build resolves identifier in the catalog.
func Build(identifier string, cfg []byte) (Stage, error) {
	t, err := Catalog.Build(identifier, cfg)
	if err != nil {
		return Stage{}, err
	}
	return Stage{ID: identifier, Transform: t}, nil
}

// Apply returns a transformed copy of matched's response. matched is left
// untouched.
func Apply(live *recording.Request, matched *recording.Entry, sets ...[]Stage) *recording.Response {
	resp := matched.Response.Clone()
	if resp == nil {
		resp = &recording.Response{StatusCode: http.StatusOK, Headers: http.Header{}}
	}
	for _, set := range sets {
		for _, stage := range set {
			stage.Transform.Transform(live, resp)
		}
	}
	return resp
}

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// ApplyVariables substitutes ${name} tokens in a textual response body with
// recorded session variables. Unknown names are left as is.
func ApplyVariables(resp *recording.Response, vars map[string]string) {
	if len(vars) == 0 || len(resp.Body) == 0 || !recording.HasTextBody(resp.Headers, resp.Body) {
		return
	}
	in := string(resp.Body)
	out := variablePattern.ReplaceAllStringFunc(in, func(token string) string {
		name := variablePattern.FindStringSubmatch(token)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return token
	})
	if out != in {
		resp.Body = []byte(out)
	}
}

func init() {
	Catalog.Register(registry.Description{
		Name:        "ApiVersionTransform",
		Description: "Echoes the API version header of the live request into the replayed response.",
		Arguments:   []registry.Argument{{Name: "headerName", Description: "Header carrying the version. Defaults to x-ms-version."}},
	}, func(cfg json.RawMessage) (Transform, error) {
		var c struct {
			HeaderName string `json:"headerName"`
		}
		if err := registry.Decode(cfg, &c); err != nil {
			return nil, err
		}
		if strings.TrimSpace(c.HeaderName) == "" {
			c.HeaderName = "x-ms-version"
		}
		return copyHeader{request: c.HeaderName, response: c.HeaderName}, nil
	})

	Catalog.Register(registry.Description{
		Name:        "ClientIdTransform",
		Description: "Echoes x-ms-client-id from the live request into the replayed response.",
	}, fixedCopy("x-ms-client-id"))

	Catalog.Register(registry.Description{
		Name:        "StorageRequestIdTransform",
		Description: "Echoes x-ms-client-request-id from the live request into the replayed response.",
	}, fixedCopy("x-ms-client-request-id"))

	Catalog.Register(registry.Description{
		Name:        "HeaderTransform",
		Description: "Sets a response header, or rewrites the part of an existing one matched by a regex.",
		Arguments: []registry.Argument{
			{Name: "key", Description: "Response header name. Required."},
			{Name: "value", Description: "New value."},
			{Name: "regex", Description: "When set, only the matching part of an existing header value is replaced."},
		},
	}, newHeaderTransform)
}

func fixedCopy(header string) registry.Factory[Transform] {
	return func(cfg json.RawMessage) (Transform, error) {
		var c struct{}
		if err := registry.Decode(cfg, &c); err != nil {
			return nil, err
		}
		return copyHeader{request: header, response: header}, nil
	}
}

// copyHeader copies a live request header into the response.
type copyHeader struct {
	request  string
	response string
}

func (c copyHeader) Transform(live *recording.Request, resp *recording.Response) {
	if live == nil {
		return
	}
	values := live.Headers.Values(c.request)
	if len(values) == 0 {
		return
	}
	resp.Headers[http.CanonicalHeaderKey(c.response)] = append([]string{}, values...)
}

// HeaderTransform sets or rewrites one response header.
type HeaderTransform struct {
	Key   string
	Value string
	re    *regexp.Regexp
}

func newHeaderTransform(cfg json.RawMessage) (Transform, error) {
	var c struct {
		Key   string `json:"key"`
		Value string `json:"value"`
		Regex string `json:"regex"`
	}
	if err := registry.Decode(cfg, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Key) == "" {
		return nil, proxyerr.Configuration("key", "HeaderTransform requires a non-empty value for key")
	}
	t := &HeaderTransform{Key: http.CanonicalHeaderKey(strings.TrimSpace(c.Key)), Value: c.Value}
	if c.Regex != "" {
		re, err := regexp.Compile(c.Regex)
		if err != nil {
			return nil, proxyerr.WrapConfiguration("regex", err, "HeaderTransform: invalid regex %q", c.Regex)
		}
		t.re = re
	}
	return t, nil
}

func (t *HeaderTransform) Transform(_ *recording.Request, resp *recording.Response) {
	if t.re == nil {
		resp.Headers[t.Key] = []string{t.Value}
		return
	}
	values, ok := resp.Headers[t.Key]
	if !ok {
		return
	}
	next := make([]string, len(values))
	for i, v := range values {
		next[i] = t.re.ReplaceAllLiteralString(v, t.Value)
	}
	resp.Headers[t.Key] = next
}
