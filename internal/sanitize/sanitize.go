// Package sanitize redacts captured traffic before it is persisted or
// compared against recordings.
package sanitize

import (
	"net/http"
	"sort"

	"github.com/funnyzak/recproxy/internal/registry"
	"github.com/funnyzak/recproxy/pkg/recording"
)

// Sanitizer rewrites the parts of an entry it targets. Implementations
// replace slices and header values; they never write into a body slice.
// Entry.Response is nil when a live request is sanitized for matching.
type Sanitizer interface {
	Sanitize(e *recording.Entry)
}

// Filter is implemented by sanitizers that drop whole entries.
type Filter interface {
	Keep(e *recording.Entry) bool
}

// Stage is a sanitizer together with the identifier it was built from.
type Stage struct {
	ID        string
	Sanitizer Sanitizer
}

// Catalog is the process-wide identifier to sanitizer factory registry.
var Catalog = registry.New[Sanitizer]("sanitizer")

// Build resolves identifier in the catalog and wraps the result as a Stage.
func Build(identifier string, cfg []byte) (Stage, error) {
	s, err := Catalog.Build(identifier, cfg)
	if err != nil {
		return Stage{}, err
	}
	return Stage{ID: identifier, Sanitizer: s}, nil
}

// Apply runs every stage set in order on a clone of e and returns the
// sanitized clone. keep is false when a Filter stage dropped the entry.
func Apply(e *recording.Entry, sets ...[]Stage) (out *recording.Entry, keep bool) {
	out = e.Clone()
	for _, set := range sets {
		for _, stage := range set {
			if f, ok := stage.Sanitizer.(Filter); ok && !f.Keep(out) {
				return nil, false
			}
			stage.Sanitizer.Sanitize(out)
		}
	}
	out.Refresh()
	return out, true
}

// ApplyRequest sanitizes a live request the same way recorded entries
// were sanitized. Filters do not apply to live traffic.
func ApplyRequest(req *recording.Request, sets ...[]Stage) *recording.Request {
	e := &recording.Entry{Request: req.Clone()}
	for _, set := range sets {
		for _, stage := range set {
			stage.Sanitizer.Sanitize(e)
		}
	}
	return e.Request
}

// ApplyAll sanitizes a pool of entries, dropping filtered ones. Order is preserved.
func ApplyAll(entries []*recording.Entry, sets ...[]Stage) []*recording.Entry {
	out := make([]*recording.Entry, 0, len(entries))
	for _, e := range entries {
		if s, keep := Apply(e, sets...); keep {
			out = append(out, s)
		}
	}
	return out
}

// Changes lists the fields that differ between an entry and its sanitized
// form, for audit logging.
func Changes(before, after *recording.Entry) []string {
	var changes []string
	if before == nil || after == nil {
		return changes
	}
	if before.Request != nil && after.Request != nil {
		if before.Request.URI != after.Request.URI {
			changes = append(changes, "request.uri")
		}
		changes = append(changes, headerChanges("request.headers.", before.Request.Headers, after.Request.Headers)...)
		if string(before.Request.Body) != string(after.Request.Body) {
			changes = append(changes, "request.body")
		}
	}
	if before.Response != nil && after.Response != nil {
		if before.Response.StatusCode != after.Response.StatusCode {
			changes = append(changes, "response.status")
		}
		changes = append(changes, headerChanges("response.headers.", before.Response.Headers, after.Response.Headers)...)
		if string(before.Response.Body) != string(after.Response.Body) {
			changes = append(changes, "response.body")
		}
	}
	return changes
}

func headerChanges(prefix string, a, b http.Header) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	var out []string
	for k := range seen {
		av, bv := a[k], b[k]
		if len(av) != len(bv) {
			out = append(out, prefix+k)
			continue
		}
		for i := range av {
			if av[i] != bv[i] {
				out = append(out, prefix+k)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
