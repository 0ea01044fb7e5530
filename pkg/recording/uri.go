package recording

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// CanonicalURI lowercases scheme and host, strips default ports and drops
// the fragment. Query order is preserved.
func CanonicalURI(raw string) string {
	u, ok := parseAbs(raw)
	if !ok {
		return strings.TrimSpace(raw)
	}
	return u.String()
}

// NormalizeURI is CanonicalURI with query parameters sorted by key (values
// of a repeated key keep their relative order).
func NormalizeURI(raw string) string {
	return normalize(raw, nil)
}

// NormalizeURIExcluding normalizes raw and drops the named query parameters.
func NormalizeURIExcluding(raw string, ignored []string) string {
	return normalize(raw, ignored)
}

func normalize(raw string, ignored []string) string {
	u, ok := parseAbs(raw)
	if !ok {
		return strings.TrimSpace(raw)
	}
	if u.RawQuery != "" {
		u.RawQuery = sortQuery(u.RawQuery, ignored)
	}
	return u.String()
}

func parseAbs(raw string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	return u, true
}

// sortQuery reorders raw "k=v" pairs without re-encoding them, so that
// sanitized placeholders and percent escapes survive untouched.
func sortQuery(raw string, ignored []string) string {
	pairs := strings.Split(raw, "&")
	kept := pairs[:0]
	for _, p := range pairs {
		if p == "" {
			continue
		}
		if len(ignored) > 0 && isIgnored(queryKey(p), ignored) {
			continue
		}
		kept = append(kept, p)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return queryKey(kept[i]) < queryKey(kept[j])
	})
	return strings.Join(kept, "&")
}

func queryKey(pair string) string {
	key := pair
	if i := strings.IndexByte(pair, '='); i >= 0 {
		key = pair[:i]
	}
	if unescaped, err := url.QueryUnescape(key); err == nil {
		return unescaped
	}
	return key
}

func isIgnored(key string, ignored []string) bool {
	for _, name := range ignored {
		if strings.EqualFold(strings.TrimSpace(name), key) {
			return true
		}
	}
	return false
}

// Fingerprint is the hex sha256 of the request method and normalized URI.
func Fingerprint(r *Request) string {
	if r == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.ToUpper(r.Method) + "\n" + NormalizeURI(r.URI)))
	return hex.EncodeToString(sum[:])
}
