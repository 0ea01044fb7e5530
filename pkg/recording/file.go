package recording

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Session is the on-disk fixture: the captured entries in recorded order
// and the variables the test run registered while recording.
type Session struct {
	Entries   []*Entry          `json:"Entries"`
	Variables map[string]string `json:"Variables"`
}

type entryJSON struct {
	RequestURI      string          `json:"RequestUri"`
	RequestMethod   string          `json:"RequestMethod"`
	RequestHeaders  headerJSON      `json:"RequestHeaders"`
	RequestBody     json.RawMessage `json:"RequestBody"`
	StatusCode      int             `json:"StatusCode"`
	ResponseHeaders headerJSON      `json:"ResponseHeaders"`
	ResponseBody    json.RawMessage `json:"ResponseBody"`
	// Set to "base64" when a body the headers call text was stored encoded.
	RequestBodyEncoding  string `json:"RequestBodyEncoding,omitempty"`
	ResponseBodyEncoding string `json:"ResponseBodyEncoding,omitempty"`
}

const base64Encoding = "base64"

// MarshalJSON writes the entry in fixture form.
func (e *Entry) MarshalJSON() ([]byte, error) {
	req := e.Request
	if req == nil {
		req = &Request{}
	}
	resp := e.Response
	if resp == nil {
		resp = &Response{}
	}
	reqBody, reqEncoding, err := encodeBody(req.Body, req.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	respBody, respEncoding, err := encodeBody(resp.Body, resp.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode response body: %w", err)
	}
	return marshal(entryJSON{
		RequestURI:           req.URI,
		RequestMethod:        req.Method,
		RequestHeaders:       headerJSON(req.Headers),
		RequestBody:          reqBody,
		StatusCode:           resp.StatusCode,
		ResponseHeaders:      headerJSON(resp.Headers),
		ResponseBody:         respBody,
		RequestBodyEncoding:  reqEncoding,
		ResponseBodyEncoding: respEncoding,
	}, "")
}

// marshal encodes without HTML escaping so inline bodies keep their bytes.
func marshal(v interface{}, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON reads the fixture form and recomputes the fingerprint.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	reqHeaders := http.Header(raw.RequestHeaders)
	if reqHeaders == nil {
		reqHeaders = http.Header{}
	}
	respHeaders := http.Header(raw.ResponseHeaders)
	if respHeaders == nil {
		respHeaders = http.Header{}
	}
	reqBody, err := decodeBody(raw.RequestBody, reqHeaders, raw.RequestBodyEncoding)
	if err != nil {
		return fmt.Errorf("decode request body of %s %s: %w", raw.RequestMethod, raw.RequestURI, err)
	}
	respBody, err := decodeBody(raw.ResponseBody, respHeaders, raw.ResponseBodyEncoding)
	if err != nil {
		return fmt.Errorf("decode response body of %s %s: %w", raw.RequestMethod, raw.RequestURI, err)
	}
	e.Request = &Request{
		Method:  strings.ToUpper(raw.RequestMethod),
		URI:     raw.RequestURI,
		Headers: reqHeaders,
		Body:    reqBody,
	}
	e.Response = &Response{
		StatusCode: raw.StatusCode,
		Headers:    respHeaders,
		Body:       respBody,
	}
	e.Refresh()
	return nil
}

// encodeBody picks the fixture representation: inline JSON documents and
// plain strings for uncompressed UTF-8 text, base64 for everything else.
// The returned encoding is only set when the headers alone would have
// read the body back as text.
func encodeBody(body []byte, h http.Header) (json.RawMessage, string, error) {
	if body == nil {
		return json.RawMessage("null"), "", nil
	}
	if !HasTextBody(h, body) {
		encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(body))
		if err != nil {
			return nil, "", err
		}
		if storedAsText(h) {
			return encoded, base64Encoding, nil
		}
		return encoded, "", nil
	}
	trimmed := bytes.TrimSpace(body)
	if IsJSON(MediaType(h)) && len(trimmed) > 0 && trimmed[0] != '"' && json.Valid(trimmed) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err != nil {
			return nil, "", err
		}
		// Only inline when compaction is lossless, otherwise bytes would drift.
		if bytes.Equal(buf.Bytes(), body) {
			return json.RawMessage(append([]byte{}, body...)), "", nil
		}
	}
	encoded, err := json.Marshal(string(body))
	return encoded, "", err
}

// storedAsText reports whether a string body under h is plain text.
func storedAsText(h http.Header) bool {
	return IsText(MediaType(h)) && IsIdentityEncoded(h)
}

func decodeBody(raw json.RawMessage, h http.Header, encoding string) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '"' {
		// Inline documents are stored compact; undo any indentation.
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, err
	}
	if encoding != base64Encoding && storedAsText(h) {
		return []byte(s), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("binary body is not base64: %w", err)
	}
	return decoded, nil
}

// headerJSON encodes single-valued headers as strings and multi-valued
// headers as arrays.
type headerJSON http.Header

func (h headerJSON) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		var value []byte
		if vs := h[k]; len(vs) == 1 {
			value, err = json.Marshal(vs[0])
		} else {
			value, err = json.Marshal(vs)
		}
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (h *headerJSON) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(http.Header, len(raw))
	for k, v := range raw {
		key := http.CanonicalHeaderKey(k)
		trimmed := bytes.TrimSpace(v)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var vs []string
			if err := json.Unmarshal(trimmed, &vs); err != nil {
				return fmt.Errorf("header %s: %w", k, err)
			}
			out[key] = append(out[key], vs...)
			continue
		}
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("header %s: %w", k, err)
		}
		out[key] = append(out[key], s)
	}
	*h = headerJSON(out)
	return nil
}

// Load reads a fixture file.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse recording %s: %w", path, err)
	}
	if s.Variables == nil {
		s.Variables = map[string]string{}
	}
	return &s, nil
}

// Save writes a fixture file, creating parent directories.
func Save(path string, s *Session) error {
	if s.Variables == nil {
		s.Variables = map[string]string{}
	}
	if s.Entries == nil {
		s.Entries = []*Entry{}
	}
	data, err := marshal(s, "  ")
	if err != nil {
		return fmt.Errorf("encode recording: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create recording directory: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
