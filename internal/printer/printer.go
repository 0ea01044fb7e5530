package printer

import (
	"sync/atomic"
	"time"

	"github.com/funnyzak/recproxy/internal/config"
	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/pkg/recording"
)

// Interaction is one proxied exchange as seen by a session.
type Interaction struct {
	SessionID string
	Mode      string
	Request   *recording.Request
	// Response is nil when the exchange failed.
	Response  *recording.Response
	Status    int
	Matched   bool
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// Printer renders interactions
type Printer interface {
	PrintInteraction(*Interaction) error
}

var globalInteractionCounter uint64

func nextInteractionNumber() uint64 {
	return atomic.AddUint64(&globalInteractionCounter, 1)
}

// New creates a printer for the configured output mode
func New(cfg *config.OutputConfig, log logger.Logger) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	if cfg.Silence {
		return nopPrinter{}
	}
	switch cfg.Mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log, cfg.MaxPreviewBytes)
	}
}

type nopPrinter struct{}

func (nopPrinter) PrintInteraction(*Interaction) error { return nil }
