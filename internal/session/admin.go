package session

import (
	"github.com/funnyzak/recproxy/internal/match"
	"github.com/funnyzak/recproxy/internal/sanitize"
	"github.com/funnyzak/recproxy/internal/transform"
)

const defaultMatcherID = "RecordMatcher"

// defaultSanitizers redact credentials from every fixture.
func defaultSanitizers() []sanitize.Stage {
	stage, err := sanitize.Build("HeaderRegexSanitizer", []byte(`{"key":"Authorization"}`))
	if err != nil {
		panic(err)
	}
	return []sanitize.Stage{stage}
}

func defaultTransforms() []transform.Stage {
	var stages []transform.Stage
	for _, id := range []string{"StorageRequestIdTransform", "ClientIdTransform"} {
		stage, err := transform.Build(id, nil)
		if err != nil {
			panic(err)
		}
		stages = append(stages, stage)
	}
	return stages
}

func (r *Registry) resetGlobal() {
	r.pipeMu.Lock()
	defer r.pipeMu.Unlock()
	r.sanitizers = defaultSanitizers()
	r.transforms = defaultTransforms()
	r.matcher = match.Default()
	r.matcherID = defaultMatcherID
	r.generation++
}

// AddSanitizer builds identifier from cfg and appends it to the scope's
// sanitizer list. Build errors are returned and nothing is registered.
func (r *Registry) AddSanitizer(identifier string, cfg []byte, scope Scope) error {
	stage, err := sanitize.Build(identifier, cfg)
	if err != nil {
		return err
	}
	if scope.IsGlobal() {
		r.pipeMu.Lock()
		r.sanitizers = append(cloneStages(r.sanitizers), stage)
		r.generation++
		r.pipeMu.Unlock()
		return nil
	}
	s, err := r.lookup(scope.SessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sanitizers = append(cloneStages(s.sanitizers), stage)
	s.localGen++
	return nil
}

// AddTransform builds identifier from cfg and appends it to the scope's
// transform list.
func (r *Registry) AddTransform(identifier string, cfg []byte, scope Scope) error {
	stage, err := transform.Build(identifier, cfg)
	if err != nil {
		return err
	}
	if scope.IsGlobal() {
		r.pipeMu.Lock()
		r.transforms = append(append([]transform.Stage(nil), r.transforms...), stage)
		r.pipeMu.Unlock()
		return nil
	}
	s, err := r.lookup(scope.SessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transforms = append(append([]transform.Stage(nil), s.transforms...), stage)
	return nil
}

// SetMatcher replaces the scope's matcher. Entries consumed under the
// previous matcher become available again.
func (r *Registry) SetMatcher(identifier string, cfg []byte, scope Scope) error {
	m, err := match.Build(identifier, cfg)
	if err != nil {
		return err
	}
	if scope.IsGlobal() {
		r.pipeMu.Lock()
		r.matcher = m
		r.matcherID = identifier
		r.generation++
		r.pipeMu.Unlock()
		return nil
	}
	s, err := r.lookup(scope.SessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matcher = m
	s.matcherID = identifier
	s.localGen++
	return nil
}

// Reset drops customizations. The global scope returns to the built-in
// defaults; a session scope drops that session's overrides.
func (r *Registry) Reset(scope Scope) error {
	if scope.IsGlobal() {
		r.resetGlobal()
		return nil
	}
	s, err := r.lookup(scope.SessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sanitizers = nil
	s.transforms = nil
	s.matcher = nil
	s.matcherID = ""
	s.localGen++
	return nil
}

// Pipeline describes the process wide pipeline.
type Pipeline struct {
	Sanitizers []string `json:"sanitizers"`
	Transforms []string `json:"transforms"`
	Matcher    string   `json:"matcher"`
}

// GlobalPipeline snapshots the process wide pipeline.
func (r *Registry) GlobalPipeline() Pipeline {
	r.pipeMu.RLock()
	defer r.pipeMu.RUnlock()
	p := Pipeline{Matcher: r.matcherID}
	for _, s := range r.sanitizers {
		p.Sanitizers = append(p.Sanitizers, s.ID)
	}
	for _, t := range r.transforms {
		p.Transforms = append(p.Transforms, t.ID)
	}
	return p
}

// cloneStages copies so that snapshots taken under lock stay immutable.
func cloneStages(in []sanitize.Stage) []sanitize.Stage {
	return append([]sanitize.Stage(nil), in...)
}
