// Package registry maps stable string identifiers to factories that build
// pipeline stages from a JSON configuration payload.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/funnyzak/recproxy/internal/proxyerr"
)

// Factory builds a stage from its raw JSON configuration.
type Factory[T any] func(cfg json.RawMessage) (T, error)

// Argument documents one configuration field of a stage.
type Argument struct {
	Name        string `json:"Name"`
	Description string `json:"Description"`
}

// Description is what /Info/Available reports for a stage.
type Description struct {
	Name        string     `json:"Name"`
	Description string     `json:"Description"`
	Arguments   []Argument `json:"Arguments"`
}

type registration[T any] struct {
	desc    Description
	factory Factory[T]
}

// Registry is safe for concurrent use.
type Registry[T any] struct {
	kind  string
	mu    sync.RWMutex
	items map[string]registration[T]
}

// New creates an empty registry; kind names the stage family in errors.
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, items: make(map[string]registration[T])}
}

// Kind returns the stage family name.
func (r *Registry[T]) Kind() string { return r.kind }

// Register adds a factory. Registering the same name twice is a
// programming error and panics.
func (r *Registry[T]) Register(desc Description, factory Factory[T]) {
	if desc.Name == "" || factory == nil {
		panic(fmt.Sprintf("registry: invalid %s registration", r.kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[desc.Name]; exists {
		panic(fmt.Sprintf("registry: %s %q registered twice", r.kind, desc.Name))
	}
	r.items[desc.Name] = registration[T]{desc: desc, factory: factory}
}

// Build resolves id and builds a stage from cfg. Unknown identifiers and
// invalid configurations come back as ConfigurationError.
func (r *Registry[T]) Build(id string, cfg []byte) (T, error) {
	var zero T
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, proxyerr.Configuration("", "a %s identifier is required", r.kind)
	}

	r.mu.RLock()
	reg, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return zero, proxyerr.Configuration(id, "%s %q is not a recognized %s", r.kind, id, r.kind)
	}

	if len(bytes.TrimSpace(cfg)) == 0 {
		cfg = []byte("{}")
	}
	stage, err := reg.factory(json.RawMessage(cfg))
	if err != nil {
		var perr *proxyerr.Error
		if errors.As(err, &perr) {
			return zero, err
		}
		return zero, proxyerr.WrapConfiguration(id, err, "invalid configuration for %s %s", r.kind, id)
	}
	return stage, nil
}

// Has reports whether id is registered.
func (r *Registry[T]) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[id]
	return ok
}

// Describe lists every registered stage sorted by name.
func (r *Registry[T]) Describe() []Description {
	r.mu.RLock()
	out := make([]Description, 0, len(r.items))
	for _, reg := range r.items {
		out = append(out, reg.desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Decode strictly decodes a stage configuration into v. Unknown fields are
// rejected so that typos do not silently disable a redaction.
func Decode(cfg json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(cfg)) == 0 {
		cfg = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(cfg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode configuration: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode configuration: unexpected trailing data")
	}
	return nil
}
