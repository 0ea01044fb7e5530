package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/funnyzak/recproxy/internal/config"
	"github.com/funnyzak/recproxy/internal/logger"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported journal driver")

// SessionRecord is one journaled record or playback session.
type SessionRecord struct {
	ID            string     `json:"id"`
	Mode          string     `json:"mode"`
	RecordingFile string     `json:"recording_file"`
	AssetsFile    string     `json:"assets_file,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	EntryCount    int        `json:"entry_count"`
}

// Interaction is one request handled by a session.
type Interaction struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Method     string    `json:"method"`
	URI        string    `json:"uri"`
	Status     int       `json:"status"`
	Matched    bool      `json:"matched"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListOptions controls filtering and pagination when fetching interactions.
type ListOptions struct {
	SessionID string
	Limit     int
	Offset    int
}

// Store defines the persistence contract for the session journal.
type Store interface {
	RecordSessionStart(ctx context.Context, rec *SessionRecord) error
	RecordSessionStop(ctx context.Context, id string, stoppedAt time.Time, entryCount int) error
	RecordInteraction(ctx context.Context, in *Interaction) error
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListInteractions(ctx context.Context, opts ListOptions) ([]*Interaction, int, error)
	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.JournalConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("journal config is nil")
	}
	switch driver := strings.ToLower(cfg.Driver); driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	case "none":
		return nopStore{}, nil
	default:
		return nil, ErrUnsupportedDriver
	}
}

// nopStore journals nothing.
type nopStore struct{}

func (nopStore) RecordSessionStart(context.Context, *SessionRecord) error { return nil }
func (nopStore) RecordSessionStop(context.Context, string, time.Time, int) error {
	return nil
}
func (nopStore) RecordInteraction(context.Context, *Interaction) error { return nil }
func (nopStore) ListSessions(context.Context, int) ([]*SessionRecord, error) {
	return nil, nil
}
func (nopStore) GetSession(context.Context, string) (*SessionRecord, error) { return nil, nil }
func (nopStore) ListInteractions(context.Context, ListOptions) ([]*Interaction, int, error) {
	return nil, 0, nil
}
func (nopStore) Close() error { return nil }
