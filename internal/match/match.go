package match

import (
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/funnyzak/recproxy/internal/proxyerr"
	"github.com/funnyzak/recproxy/pkg/recording"
)

type fingerprinter interface {
	fingerprintSafe() bool
}

// Match scans candidates in recorded order and returns the index of the
// first entry the matcher accepts. skip, when non-nil, hides consumed
// entries. A miss is a NoMatchFound error describing the closest entry.
func Match(live *recording.Request, candidates []*recording.Entry, m Matcher, skip func(int) bool) (int, error) {
	useFingerprint := false
	if f, ok := m.(fingerprinter); ok && f.fingerprintSafe() {
		useFingerprint = true
	}
	liveFingerprint := recording.Fingerprint(live)

	for i, e := range candidates {
		if skip != nil && skip(i) {
			continue
		}
		if useFingerprint && e.Fingerprint != "" && e.Fingerprint != liveFingerprint {
			continue
		}
		if m.Matches(live, e.Request) {
			return i, nil
		}
	}
	return -1, proxyerr.NoMatch(live.Method, live.URI, closest(live, candidates, m, skip))
}

// closest picks the candidate with the fewest differences, breaking ties
// by URI edit distance, and reports its diff.
func closest(live *recording.Request, candidates []*recording.Entry, m Matcher, skip func(int) bool) []string {
	var (
		best     []string
		bestSize = -1
		bestDist = 0
	)
	liveURI := recording.NormalizeURI(live.URI)
	for i, e := range candidates {
		if skip != nil && skip(i) {
			continue
		}
		diff := m.Diff(live, e.Request)
		dist := levenshtein.ComputeDistance(liveURI, recording.NormalizeURI(e.Request.URI))
		if bestSize < 0 || len(diff) < bestSize || (len(diff) == bestSize && dist < bestDist) {
			best, bestSize, bestDist = diff, len(diff), dist
		}
	}
	if bestSize < 0 {
		return []string{"no unconsumed records remain in this session"}
	}
	return append([]string{"closest record differs by:"}, best...)
}

// Pool is a playback candidate pool. It tracks consumption for exhausting
// matchers and is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	entries []*recording.Entry
	used    []bool
}

// NewPool wraps entries; the slice is not copied and must not be modified.
func NewPool(entries []*recording.Entry) *Pool {
	return &Pool{entries: entries, used: make([]bool, len(entries))}
}

// Len returns the number of entries, consumed or not.
func (p *Pool) Len() int { return len(p.entries) }

// Remaining returns the number of entries that can still be matched.
func (p *Pool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.used {
		if !u {
			n++
		}
	}
	return n
}

// Match finds the entry answering live and consumes it when m is exhausting.
func (p *Pool) Match(live *recording.Request, m Matcher) (*recording.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	skip := func(i int) bool { return p.used[i] }
	i, err := Match(live, p.entries, m, skip)
	if err != nil {
		return nil, err
	}
	if m.Exhausting() {
		p.used[i] = true
	}
	return p.entries[i], nil
}
