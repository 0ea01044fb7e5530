package session

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/recproxy/internal/assets"
	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/internal/match"
	"github.com/funnyzak/recproxy/internal/proxyerr"
	"github.com/funnyzak/recproxy/internal/sanitize"
	"github.com/funnyzak/recproxy/internal/transform"
	"github.com/funnyzak/recproxy/pkg/recording"
)

// SkipHeader set to "request-response" keeps a recorded exchange out of
// the fixture.
const SkipHeader = "X-Recording-Skip"

// Upstream sends a request to its real destination.
type Upstream interface {
	Do(ctx context.Context, req *recording.Request) (*recording.Response, error)
}

// Observer is told about session lifecycle changes. Calls are synchronous
// and must not block.
type Observer interface {
	SessionStarted(Info)
	SessionStopped(Info)
}

// Options tunes a Registry.
type Options struct {
	// PushOnStop publishes fixtures through the asset store when a record
	// session with an assets.json stops.
	PushOnStop bool
	Observers  []Observer
}

// Registry holds every active session and the process wide pipeline.
type Registry struct {
	store     assets.Store
	upstream  Upstream
	log       logger.Logger
	opts      Options
	observers []Observer

	mu       sync.RWMutex
	sessions map[string]*Session

	pipeMu     sync.RWMutex
	sanitizers []sanitize.Stage
	transforms []transform.Stage
	matcher    match.Matcher
	matcherID  string
	generation uint64
}

// NewRegistry creates a registry with the built-in default pipeline.
func NewRegistry(store assets.Store, upstream Upstream, log logger.Logger, opts Options) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	r := &Registry{
		store:     store,
		upstream:  upstream,
		log:       log.With("component", "session"),
		opts:      opts,
		observers: opts.Observers,
		sessions:  make(map[string]*Session),
	}
	r.resetGlobal()
	return r
}

// AddObserver registers o for subsequent lifecycle events.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// StartRecord opens a record session whose fixture will be written to
// recordingFile under the asset store root for assetsJSON.
func (r *Registry) StartRecord(ctx context.Context, recordingFile, assetsJSON string) (string, error) {
	s, rel, err := r.newSession(ModeRecord, recordingFile, assetsJSON)
	if err != nil {
		return "", err
	}
	root, err := r.store.Restore(ctx, assetsJSON)
	if err != nil {
		return "", err
	}
	s.path = filepath.Join(root, rel)
	s.variables = map[string]string{}
	r.register(s)
	return s.id, nil
}

// StartPlayback loads recordingFile and opens a playback session over it.
// The recorded variables are returned. Nothing is registered on failure.
func (r *Registry) StartPlayback(ctx context.Context, recordingFile, assetsJSON string) (string, map[string]string, error) {
	s, rel, err := r.newSession(ModePlayback, recordingFile, assetsJSON)
	if err != nil {
		return "", nil, err
	}
	var fixture *recording.Session
	err = r.store.Checkout(ctx, assetsJSON, func(root string) error {
		s.path = filepath.Join(root, rel)
		loaded, err := recording.Load(s.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return proxyerr.Configuration(recordingFile, "recording file %s does not exist", s.path)
			}
			return proxyerr.AssetIO(recordingFile, err, "unable to load recording %s", s.path)
		}
		fixture = loaded
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	s.entries = fixture.Entries
	s.variables = fixture.Variables
	r.register(s)
	return s.id, copyVariables(s.variables), nil
}

// newSession validates recordingFile and returns it cleaned, relative to
// the store root.
func (r *Registry) newSession(mode Mode, recordingFile, assetsJSON string) (*Session, string, error) {
	recordingFile = strings.TrimSpace(recordingFile)
	if recordingFile == "" {
		return nil, "", proxyerr.Configuration("x-recording-file", "a recording file is required to start a %s session", mode)
	}
	rel := filepath.Clean(filepath.FromSlash(recordingFile))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, "", proxyerr.Configuration(recordingFile, "recording file %s must be relative to the recordings root", recordingFile)
	}
	return &Session{
		id:            uuid.NewString(),
		mode:          mode,
		recordingFile: recordingFile,
		assetsFile:    assetsJSON,
		startedAt:     time.Now(),
		state:         StateCreated,
	}, rel, nil
}

func (r *Registry) register(s *Session) {
	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()

	r.mu.Lock()
	r.sessions[s.id] = s
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	info := s.info()
	r.log.Info("Session started", "id", s.id, "mode", string(s.mode), "recording", s.recordingFile, "entries", info.Entries)
	for _, o := range observers {
		o.SessionStarted(info)
	}
}

// lookup returns an active session.
func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, proxyerr.UnknownSession(id)
	}
	return s, nil
}

// Mode returns the mode of an active session.
func (r *Registry) Mode(id string) (Mode, error) {
	s, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return s.mode, nil
}

// Handle serves one proxied request for session id.
func (r *Registry) Handle(ctx context.Context, id string, req *recording.Request) (*recording.Response, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if s.mode == ModeRecord {
		return r.handleRecord(ctx, s, req)
	}
	return r.handlePlayback(s, req)
}

func (r *Registry) handleRecord(ctx context.Context, s *Session, req *recording.Request) (*recording.Response, error) {
	s.mu.Lock()
	active := s.state == StateActive
	s.mu.Unlock()
	if !active {
		return nil, proxyerr.UnknownSession(s.id)
	}

	skip := strings.EqualFold(req.Headers.Get(SkipHeader), "request-response")
	resp, err := r.upstream.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if skip {
		return resp, nil
	}

	entry := recording.NewEntry(req.Clone(), resp.Clone())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		r.log.Warn("Dropping entry captured after stop", "id", s.id, "uri", req.URI)
		return resp, nil
	}
	s.entries = append(s.entries, entry)
	return resp, nil
}

func (r *Registry) handlePlayback(s *Session, req *recording.Request) (*recording.Response, error) {
	r.pipeMu.RLock()
	global := r.sanitizers
	globalTransforms := r.transforms
	matcher := r.matcher
	gen := r.generation
	r.pipeMu.RUnlock()

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, proxyerr.UnknownSession(s.id)
	}
	if s.pool == nil || s.poolGlobal != gen || s.poolLocal != s.localGen {
		s.pool = match.NewPool(sanitizeEntries(s.entries, global, s.sanitizers))
		s.poolGlobal, s.poolLocal = gen, s.localGen
	}
	pool := s.pool
	local := s.sanitizers
	localTransforms := s.transforms
	if s.matcher != nil {
		matcher = s.matcher
	}
	vars := s.variables
	s.mu.Unlock()

	live := sanitize.ApplyRequest(req, global, local)
	matched, err := pool.Match(live, matcher)
	if err != nil {
		return nil, err
	}
	resp := transform.Apply(req, matched, globalTransforms, localTransforms)
	transform.ApplyVariables(resp, vars)
	return resp, nil
}

// Stop ends session id. A record session is sanitized, written and, when
// configured, pushed. A push failure is returned but the written fixture
// is kept.
func (r *Registry) Stop(ctx context.Context, id string, variables map[string]string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return proxyerr.UnknownSession(id)
	}
	s.state = StateStopped
	s.stoppedAt = time.Now()
	entries := s.entries
	local := s.sanitizers
	if s.variables == nil {
		s.variables = map[string]string{}
	}
	for k, v := range variables {
		s.variables[k] = v
	}
	vars := copyVariables(s.variables)
	s.pool = nil
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, id)
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	var stopErr error
	if s.mode == ModeRecord {
		stopErr = r.flush(ctx, s, entries, local, vars)
	}

	info := s.info()
	r.log.Info("Session stopped", "id", id, "mode", string(s.mode), "entries", info.Entries)
	for _, o := range observers {
		o.SessionStopped(info)
	}
	return stopErr
}

func (r *Registry) flush(ctx context.Context, s *Session, entries []*recording.Entry, local []sanitize.Stage, vars map[string]string) error {
	r.pipeMu.RLock()
	global := r.sanitizers
	r.pipeMu.RUnlock()

	fixture := &recording.Session{
		Entries:   sanitizeEntries(entries, global, local),
		Variables: vars,
	}
	written := false
	err := r.store.Update(ctx, s.assetsFile, r.opts.PushOnStop, func(string) error {
		if err := recording.Save(s.path, fixture); err != nil {
			return proxyerr.AssetIO(s.path, err, "unable to write recording %s", s.path)
		}
		written = true
		r.log.Debug("Recording written", "path", s.path, "entries", len(fixture.Entries))
		return nil
	})
	if err != nil && written {
		r.log.Error("Asset push failed", "id", s.id, "error", err)
	}
	return err
}

// sanitizeEntries runs the pipeline over entries in parallel, keeping order
// and dropping filtered entries.
func sanitizeEntries(entries []*recording.Entry, sets ...[]sanitize.Stage) []*recording.Entry {
	out := make([]*recording.Entry, len(entries))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, e := range entries {
		g.Go(func() error {
			if clean, keep := sanitize.Apply(e, sets...); keep {
				out[i] = clean
			}
			return nil
		})
	}
	_ = g.Wait()

	kept := out[:0]
	for _, e := range out {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return kept
}

// Variables returns the variables of an active session.
func (r *Registry) Variables(id string) (map[string]string, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyVariables(s.variables), nil
}

// Sessions snapshots the active sessions, oldest first.
func (r *Registry) Sessions() []Info {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Path returns where session id reads or writes its fixture.
func (r *Registry) Path(id string) (string, error) {
	s, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return s.path, nil
}
