package server

import (
	"context"
	"time"

	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/internal/session"
	"github.com/funnyzak/recproxy/internal/storage"
)

const journalWriteTimeout = 5 * time.Second

// journalObserver records session lifecycle in the journal
type journalObserver struct {
	store  storage.Store
	logger logger.Logger
}

func (j *journalObserver) SessionStarted(in session.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	err := j.store.RecordSessionStart(ctx, &storage.SessionRecord{
		ID:            in.ID,
		Mode:          string(in.Mode),
		RecordingFile: in.RecordingFile,
		AssetsFile:    in.AssetsFile,
		StartedAt:     in.StartedAt,
		EntryCount:    in.Entries,
	})
	if err != nil {
		j.logger.Error("Failed to journal session start", "error", err, "session", in.ID)
	}
}

func (j *journalObserver) SessionStopped(in session.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	stopped := in.StoppedAt
	if stopped.IsZero() {
		stopped = time.Now()
	}
	if err := j.store.RecordSessionStop(ctx, in.ID, stopped, in.Entries); err != nil {
		j.logger.Error("Failed to journal session stop", "error", err, "session", in.ID)
	}
}
