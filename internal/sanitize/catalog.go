package sanitize

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/funnyzak/recproxy/internal/proxyerr"
	"github.com/funnyzak/recproxy/internal/registry"
	"github.com/funnyzak/recproxy/pkg/recording"
)

var replaceArgs = []registry.Argument{
	{Name: "value", Description: `Replacement text. Defaults to "Sanitized"; an empty string is allowed.`},
	{Name: "regex", Description: "Regular expression selecting what to replace."},
	{Name: "groupForReplace", Description: "Name or index of the capture group to replace instead of the whole match."},
}

func init() {
	Catalog.Register(registry.Description{
		Name:        "HeaderRegexSanitizer",
		Description: "Rewrites the value of a request and response header, optionally only the part matched by a regex.",
		Arguments:   append([]registry.Argument{{Name: "key", Description: "Header name. Required."}}, replaceArgs...),
	}, newHeaderRegex)

	Catalog.Register(registry.Description{
		Name:        "RemoveHeaderSanitizer",
		Description: "Removes headers from requests and responses.",
		Arguments:   []registry.Argument{{Name: "headersForRemoval", Description: "Comma separated header names. Required."}},
	}, newRemoveHeader)

	Catalog.Register(registry.Description{
		Name:        "BodyKeySanitizer",
		Description: "Rewrites string values selected by a JSONPath in JSON request and response bodies.",
		Arguments:   append([]registry.Argument{{Name: "jsonPath", Description: "JSONPath expression, e.g. $.TableName. Required."}}, replaceArgs...),
	}, newBodyKey)

	Catalog.Register(registry.Description{
		Name:        "BodyRegexSanitizer",
		Description: "Regex replacement over textual request and response bodies. Binary bodies are left alone.",
		Arguments:   replaceArgs,
	}, newBodyRegex)

	Catalog.Register(registry.Description{
		Name:        "BodyStringSanitizer",
		Description: "Replaces every occurrence of a literal string in textual bodies.",
		Arguments: []registry.Argument{
			{Name: "target", Description: "Literal text to replace. Required."},
			{Name: "value", Description: `Replacement text. Defaults to "Sanitized".`},
		},
	}, newBodyString)

	Catalog.Register(registry.Description{
		Name:        "UriRegexSanitizer",
		Description: "Regex replacement over the request URI.",
		Arguments:   replaceArgs,
	}, newURIRegex)

	Catalog.Register(registry.Description{
		Name:        "GeneralRegexSanitizer",
		Description: "Regex replacement over the URI, every header value and textual bodies.",
		Arguments:   replaceArgs,
	}, newGeneralRegex)

	Catalog.Register(registry.Description{
		Name:        "OAuthResponseSanitizer",
		Description: "Drops token acquisition and authority discovery traffic from recordings.",
	}, newOAuthResponse)
}

// HeaderRegexSanitizer rewrites one header.
type HeaderRegexSanitizer struct {
	Key string
	r   *replacer
}

func newHeaderRegex(cfg json.RawMessage) (Sanitizer, error) {
	var c struct {
		Key string `json:"key"`
		replaceConfig
	}
	if err := registry.Decode(cfg, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Key) == "" {
		return nil, proxyerr.Configuration("key", "HeaderRegexSanitizer requires a non-empty value for key")
	}
	r, err := newReplacer("HeaderRegexSanitizer", c.replaceConfig, false)
	if err != nil {
		return nil, err
	}
	return &HeaderRegexSanitizer{Key: http.CanonicalHeaderKey(strings.TrimSpace(c.Key)), r: r}, nil
}

func (s *HeaderRegexSanitizer) Sanitize(e *recording.Entry) {
	if e.Request != nil {
		e.Request.Headers = s.rewrite(e.Request.Headers)
	}
	if e.Response != nil {
		e.Response.Headers = s.rewrite(e.Response.Headers)
	}
}

func (s *HeaderRegexSanitizer) rewrite(h http.Header) http.Header {
	values, ok := h[s.Key]
	if !ok {
		return h
	}
	next := make([]string, len(values))
	for i, v := range values {
		next[i] = s.r.apply(v)
	}
	h[s.Key] = next
	return h
}

// RemoveHeaderSanitizer deletes headers.
type RemoveHeaderSanitizer struct {
	Headers []string
}

func newRemoveHeader(cfg json.RawMessage) (Sanitizer, error) {
	var c struct {
		HeadersForRemoval string `json:"headersForRemoval"`
	}
	if err := registry.Decode(cfg, &c); err != nil {
		return nil, err
	}
	var headers []string
	for _, h := range strings.Split(c.HeadersForRemoval, ",") {
		if h = strings.TrimSpace(h); h != "" {
			headers = append(headers, http.CanonicalHeaderKey(h))
		}
	}
	if len(headers) == 0 {
		return nil, proxyerr.Configuration("headersForRemoval", "RemoveHeaderSanitizer requires at least one header in headersForRemoval")
	}
	return &RemoveHeaderSanitizer{Headers: headers}, nil
}

func (s *RemoveHeaderSanitizer) Sanitize(e *recording.Entry) {
	for _, h := range s.Headers {
		if e.Request != nil {
			e.Request.Headers.Del(h)
		}
		if e.Response != nil {
			e.Response.Headers.Del(h)
		}
	}
}

// BodyKeySanitizer rewrites string leaves of JSON bodies.
type BodyKeySanitizer struct {
	Path string
	expr jp.Expr
	r    *replacer
}

func newBodyKey(cfg json.RawMessage) (Sanitizer, error) {
	var c struct {
		JSONPath string `json:"jsonPath"`
		replaceConfig
	}
	if err := registry.Decode(cfg, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.JSONPath) == "" {
		return nil, proxyerr.Configuration("jsonPath", "BodyKeySanitizer requires a non-empty jsonPath")
	}
	expr, err := jp.ParseString(c.JSONPath)
	if err != nil {
		return nil, proxyerr.WrapConfiguration("jsonPath", err, "BodyKeySanitizer: invalid jsonPath %q", c.JSONPath)
	}
	r, err := newReplacer("BodyKeySanitizer", c.replaceConfig, false)
	if err != nil {
		return nil, err
	}
	return &BodyKeySanitizer{Path: c.JSONPath, expr: expr, r: r}, nil
}

var sortedJSON = &ojg.Options{Sort: true, HTMLUnsafe: true}

func (s *BodyKeySanitizer) Sanitize(e *recording.Entry) {
	if e.Request != nil {
		e.Request.Body = s.rewrite(e.Request.Body, e.Request.Headers)
	}
	if e.Response != nil {
		e.Response.Body = s.rewrite(e.Response.Body, e.Response.Headers)
	}
}

func (s *BodyKeySanitizer) rewrite(body []byte, h http.Header) []byte {
	if len(bytes.TrimSpace(body)) == 0 || !recording.IsJSON(recording.MediaType(h)) || !recording.HasTextBody(h, body) {
		return body
	}
	doc, err := oj.Parse(body)
	if err != nil {
		return body
	}
	changed := false
	doc, err = s.expr.Modify(doc, func(element any) (any, bool) {
		str, ok := element.(string)
		if !ok {
			return element, false
		}
		next := s.r.apply(str)
		if next == str {
			return element, false
		}
		changed = true
		return next, true
	})
	if err != nil || !changed {
		return body
	}
	return []byte(oj.JSON(doc, sortedJSON))
}

// BodyRegexSanitizer rewrites textual bodies.
type BodyRegexSanitizer struct {
	r *replacer
}

func newBodyRegex(cfg json.RawMessage) (Sanitizer, error) {
	var c replaceConfig
	if err := registry.Decode(cfg, &c); err != nil {
		return nil, err
	}
	r, err := newReplacer("BodyRegexSanitizer", c, false)
	if err != nil {
		return nil, err
	}
	return &BodyRegexSanitizer{r: r}, nil
}

func (s *BodyRegexSanitizer) Sanitize(e *recording.Entry) {
	if e.Request != nil {
		e.Request.Body = rewriteText(e.Request.Body, e.Request.Headers, s.r.apply)
	}
	if e.Response != nil {
		e.Response.Body = rewriteText(e.Response.Body, e.Response.Headers, s.r.apply)
	}
}

// BodyStringSanitizer replaces a literal string in textual bodies.
type BodyStringSanitizer struct {
	Target string
	Value  string
}

func newBodyString(cfg json.RawMessage) (Sanitizer, error) {
	var c struct {
		Target string  `json:"target"`
		Value  *string `json:"value"`
	}
	if err := registry.Decode(cfg, &c); err != nil {
		return nil, err
	}
	if c.Target == "" {
		return nil, proxyerr.Configuration("target", "BodyStringSanitizer requires a non-empty target")
	}
	s := &BodyStringSanitizer{Target: c.Target, Value: defaultValue}
	if c.Value != nil {
		s.Value = *c.Value
	}
	return s, nil
}

func (s *BodyStringSanitizer) Sanitize(e *recording.Entry) {
	replace := func(in string) string { return strings.ReplaceAll(in, s.Target, s.Value) }
	if e.Request != nil {
		e.Request.Body = rewriteText(e.Request.Body, e.Request.Headers, replace)
	}
	if e.Response != nil {
		e.Response.Body = rewriteText(e.Response.Body, e.Response.Headers, replace)
	}
}

// UriRegexSanitizer rewrites the request URI.
type UriRegexSanitizer struct {
	r *replacer
}

func newURIRegex(cfg json.RawMessage) (Sanitizer, error) {
	var c replaceConfig
	if err := registry.Decode(cfg, &c); err != nil {
		return nil, err
	}
	r, err := newReplacer("UriRegexSanitizer", c, true)
	if err != nil {
		return nil, err
	}
	return &UriRegexSanitizer{r: r}, nil
}

func (s *UriRegexSanitizer) Sanitize(e *recording.Entry) {
	if e.Request != nil {
		e.Request.URI = s.r.apply(e.Request.URI)
	}
}

// GeneralRegexSanitizer rewrites URI, headers and textual bodies.
type GeneralRegexSanitizer struct {
	r *replacer
}

func newGeneralRegex(cfg json.RawMessage) (Sanitizer, error) {
	var c replaceConfig
	if err := registry.Decode(cfg, &c); err != nil {
		return nil, err
	}
	r, err := newReplacer("GeneralRegexSanitizer", c, true)
	if err != nil {
		return nil, err
	}
	return &GeneralRegexSanitizer{r: r}, nil
}

func (s *GeneralRegexSanitizer) Sanitize(e *recording.Entry) {
	if e.Request != nil {
		e.Request.URI = s.r.apply(e.Request.URI)
		e.Request.Headers = rewriteHeaders(e.Request.Headers, s.r.apply)
		e.Request.Body = rewriteText(e.Request.Body, e.Request.Headers, s.r.apply)
	}
	if e.Response != nil {
		e.Response.Headers = rewriteHeaders(e.Response.Headers, s.r.apply)
		e.Response.Body = rewriteText(e.Response.Body, e.Response.Headers, s.r.apply)
	}
}

// OAuthResponseSanitizer drops identity provider traffic.
type OAuthResponseSanitizer struct{}

func newOAuthResponse(cfg json.RawMessage) (Sanitizer, error) {
	var c struct{}
	if err := registry.Decode(cfg, &c); err != nil {
		return nil, err
	}
	return OAuthResponseSanitizer{}, nil
}

var oauthPaths = []string{
	"/oauth2/token",
	"/oauth2/v2.0/token",
	"/.well-known/openid-configuration",
	"/common/discovery/instance",
}

func (OAuthResponseSanitizer) Sanitize(*recording.Entry) {}

// Keep implements Filter.
func (OAuthResponseSanitizer) Keep(e *recording.Entry) bool {
	if e.Request == nil {
		return true
	}
	path := strings.ToLower(e.Request.URI)
	if u, err := url.Parse(e.Request.URI); err == nil {
		path = strings.ToLower(u.Path)
	}
	for _, p := range oauthPaths {
		if strings.HasSuffix(path, p) {
			return false
		}
	}
	return true
}

func rewriteText(body []byte, h http.Header, fn func(string) string) []byte {
	if len(body) == 0 || !recording.HasTextBody(h, body) {
		return body
	}
	in := string(body)
	out := fn(in)
	if out == in {
		return body
	}
	return []byte(out)
}

func rewriteHeaders(h http.Header, fn func(string) string) http.Header {
	for k, values := range h {
		next := make([]string, len(values))
		for i, v := range values {
			next[i] = fn(v)
		}
		h[k] = next
	}
	return h
}
