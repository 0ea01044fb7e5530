// Package session owns the record and playback sessions served by the
// proxy.
package session

import (
	"sync"
	"time"

	"github.com/funnyzak/recproxy/internal/match"
	"github.com/funnyzak/recproxy/internal/sanitize"
	"github.com/funnyzak/recproxy/internal/transform"
	"github.com/funnyzak/recproxy/pkg/recording"
)

// Mode is what a session does with inbound traffic.
type Mode string

const (
	ModeRecord   Mode = "record"
	ModePlayback Mode = "playback"
)

// State is the lifecycle position of a session.
type State int

const (
	StateCreated State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Scope selects where an admin change applies. An empty SessionID is
// process wide.
type Scope struct {
	SessionID string
}

// Global is the process wide scope.
func Global() Scope { return Scope{} }

// IsGlobal reports whether the scope targets every session.
func (s Scope) IsGlobal() bool { return s.SessionID == "" }

// Info is a snapshot of one session.
type Info struct {
	ID            string    `json:"id"`
	Mode          Mode      `json:"mode"`
	State         string    `json:"state"`
	RecordingFile string    `json:"recording_file"`
	AssetsFile    string    `json:"assets_file,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	StoppedAt     time.Time `json:"stopped_at,omitempty"`
	Entries       int       `json:"entries"`
	Sanitizers    []string  `json:"sanitizers,omitempty"`
	Transforms    []string  `json:"transforms,omitempty"`
	Matcher       string    `json:"matcher,omitempty"`
}

// Session is one record or playback activity.
type Session struct {
	id            string
	mode          Mode
	recordingFile string
	assetsFile    string
	path          string
	startedAt     time.Time

	mu         sync.Mutex
	state      State
	stoppedAt  time.Time
	entries    []*recording.Entry
	variables  map[string]string
	sanitizers []sanitize.Stage
	transforms []transform.Stage
	matcher    match.Matcher
	matcherID  string
	localGen   uint64

	// Sanitized playback pool and the pipeline generations it was built for.
	pool       *match.Pool
	poolGlobal uint64
	poolLocal  uint64
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := Info{
		ID:            s.id,
		Mode:          s.mode,
		State:         s.state.String(),
		RecordingFile: s.recordingFile,
		AssetsFile:    s.assetsFile,
		StartedAt:     s.startedAt,
		StoppedAt:     s.stoppedAt,
		Entries:       len(s.entries),
		Matcher:       s.matcherID,
	}
	for _, st := range s.sanitizers {
		in.Sanitizers = append(in.Sanitizers, st.ID)
	}
	for _, st := range s.transforms {
		in.Transforms = append(in.Transforms, st.ID)
	}
	return in
}

func copyVariables(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
