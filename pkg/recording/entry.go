// Package recording holds the captured traffic model shared by the record
// and playback engine: requests, responses, entries and the fixture file
// they are persisted in.
package recording

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Request is one captured (or live) request.
type Request struct {
	Method  string
	URI     string
	Headers http.Header
	Body    []byte
}

// Response is one captured response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Entry is one captured interaction. Entries held by a session are never
// modified; pipeline stages work on a Clone and swap body slices instead
// of writing into them.
type Entry struct {
	Request     *Request
	Response    *Response
	Fingerprint string
}

// NewEntry builds an entry and computes its fingerprint.
func NewEntry(req *Request, resp *Response) *Entry {
	e := &Entry{Request: req, Response: resp}
	e.Fingerprint = Fingerprint(req)
	return e
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	return &Request{
		Method:  r.Method,
		URI:     r.URI,
		Headers: cloneHeader(r.Headers),
		Body:    cloneBody(r.Body),
	}
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		StatusCode: r.StatusCode,
		Headers:    cloneHeader(r.Headers),
		Body:       cloneBody(r.Body),
	}
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		Request:     e.Request.Clone(),
		Response:    e.Response.Clone(),
		Fingerprint: e.Fingerprint,
	}
}

// Refresh recomputes the fingerprint after the request was rewritten.
func (e *Entry) Refresh() {
	e.Fingerprint = Fingerprint(e.Request)
}

// Equal reports whether two entries carry the same request and response.
func (e *Entry) Equal(o *Entry) bool {
	if e == nil || o == nil {
		return e == o
	}
	return requestEqual(e.Request, o.Request) && responseEqual(e.Response, o.Response)
}

func requestEqual(a, b *Request) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Method == b.Method && a.URI == b.URI &&
		headerEqual(a.Headers, b.Headers) && bodyEqual(a.Body, b.Body)
}

func responseEqual(a, b *Response) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.StatusCode == b.StatusCode &&
		headerEqual(a.Headers, b.Headers) && bodyEqual(a.Body, b.Body)
}

func bodyEqual(a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return bytes.Equal(a, b)
}

func headerEqual(a, b http.Header) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func cloneBody(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

// CaptureRequest converts an inbound proxied request into a Request whose
// URI points at upstream. Proxy control headers are kept; the matcher and
// forwarder decide which of them matter.
func CaptureRequest(r *http.Request, body []byte, upstream string) (*Request, error) {
	uri := r.URL.RequestURI()
	if upstream != "" {
		base, err := url.Parse(upstream)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("invalid upstream base uri %q", upstream)
		}
		uri = strings.TrimRight(base.Scheme+"://"+base.Host+base.Path, "/") + uri
	} else if r.URL.IsAbs() {
		uri = r.URL.String()
	}

	headers := r.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if body == nil {
		body = []byte{}
	}
	return &Request{
		Method:  strings.ToUpper(r.Method),
		URI:     CanonicalURI(uri),
		Headers: headers,
		Body:    body,
	}, nil
}

// MediaType returns the lower-cased media type of the Content-Type header.
func MediaType(h http.Header) string {
	ct := h.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	return mt
}

// IsJSON reports whether the media type carries JSON.
func IsJSON(mediaType string) bool {
	return mediaType == "application/json" || mediaType == "text/json" ||
		strings.HasSuffix(mediaType, "+json")
}

// IsText reports whether the media type is textual, JSON included.
func IsText(mediaType string) bool {
	switch {
	case IsJSON(mediaType):
		return true
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case mediaType == "application/xml", strings.HasSuffix(mediaType, "+xml"):
		return true
	case mediaType == "application/x-www-form-urlencoded":
		return true
	case mediaType == "application/javascript", mediaType == "application/x-javascript":
		return true
	}
	return false
}

// IsIdentityEncoded reports whether h declares no content coding.
func IsIdentityEncoded(h http.Header) bool {
	for _, v := range h.Values("Content-Encoding") {
		for _, coding := range strings.Split(v, ",") {
			coding = strings.TrimSpace(coding)
			if coding != "" && !strings.EqualFold(coding, "identity") {
				return false
			}
		}
	}
	return true
}

// HasTextBody reports whether body may be read and rewritten as text. A
// compressed or non UTF-8 body is opaque whatever its media type says.
func HasTextBody(h http.Header, body []byte) bool {
	return IsText(MediaType(h)) && IsIdentityEncoded(h) && utf8.Valid(body)
}
