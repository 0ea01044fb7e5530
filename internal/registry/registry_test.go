package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/recproxy/internal/proxyerr"
)

type stage struct{ Value string }

func newTestRegistry() *Registry[*stage] {
	r := New[*stage]("sanitizer")
	r.Register(Description{Name: "Echo", Description: "echoes value", Arguments: []Argument{{Name: "value"}}},
		func(cfg json.RawMessage) (*stage, error) {
			var c struct {
				Value string `json:"value"`
			}
			if err := Decode(cfg, &c); err != nil {
				return nil, err
			}
			if c.Value == "boom" {
				return nil, proxyerr.Configuration("value", "value may not be boom")
			}
			return &stage{Value: c.Value}, nil
		})
	r.Register(Description{Name: "Alpha"}, func(json.RawMessage) (*stage, error) { return &stage{}, nil })
	return r
}

func TestBuild(t *testing.T) {
	r := newTestRegistry()

	s, err := r.Build("Echo", []byte(`{"value":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "x", s.Value)

	s, err = r.Build(" Echo ", nil)
	require.NoError(t, err)
	assert.Equal(t, "", s.Value)
}

func TestBuildErrors(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name string
		id   string
		cfg  string
		want string
	}{
		{"blank identifier", "", "{}", "identifier is required"},
		{"unknown identifier", "Nope", "{}", "not a recognized sanitizer"},
		{"unknown field", "Echo", `{"valeu":"x"}`, "unknown field"},
		{"malformed json", "Echo", `{"value":`, "invalid configuration"},
		{"trailing data", "Echo", `{"value":"x"} {}`, "trailing data"},
		{"factory configuration error", "Echo", `{"value":"boom"}`, "may not be boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Build(tt.id, []byte(tt.cfg))
			require.Error(t, err)
			assert.True(t, errors.Is(err, proxyerr.ErrConfiguration))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDescribeSorted(t *testing.T) {
	r := newTestRegistry()
	desc := r.Describe()
	require.Len(t, desc, 2)
	assert.Equal(t, "Alpha", desc[0].Name)
	assert.Equal(t, "Echo", desc[1].Name)
	assert.True(t, r.Has("Echo"))
	assert.False(t, r.Has("echo"))
	assert.Equal(t, "sanitizer", r.Kind())
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	r := newTestRegistry()
	assert.Panics(t, func() {
		r.Register(Description{Name: "Echo"}, func(json.RawMessage) (*stage, error) { return nil, nil })
	})
}
