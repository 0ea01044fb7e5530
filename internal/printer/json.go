package printer

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/pkg/recording"
)

// JSONPrinter writes one JSON line per interaction
type JSONPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
}

// NewJSONPrinter creates a JSON line printer on stdout
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the output target
func (p *JSONPrinter) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	p.out = w
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.encoder = encoder
}

type jsonInteractionEnvelope struct {
	Type       string              `json:"type"`
	ID         uint64              `json:"id"`
	SessionID  string              `json:"session_id"`
	Mode       string              `json:"mode"`
	Timestamp  time.Time           `json:"timestamp"`
	DurationMs int64               `json:"duration_ms"`
	Status     int                 `json:"status"`
	Matched    bool                `json:"matched"`
	Error      string              `json:"error,omitempty"`
	Request    *recording.Request  `json:"request"`
	Response   *recording.Response `json:"response,omitempty"`
	// Text renditions of textual bodies.
	RequestText  string `json:"request_text,omitempty"`
	ResponseText string `json:"response_text,omitempty"`
}

func bodyText(body []byte, h http.Header) string {
	if len(body) == 0 || !recording.HasTextBody(h, body) {
		return ""
	}
	return string(body)
}

// PrintInteraction outputs the interaction as JSON
func (p *JSONPrinter) PrintInteraction(it *Interaction) error {
	if it == nil {
		return nil
	}
	env := jsonInteractionEnvelope{
		Type:       "interaction",
		ID:         nextInteractionNumber(),
		SessionID:  it.SessionID,
		Mode:       it.Mode,
		Timestamp:  it.Timestamp,
		DurationMs: it.Duration.Milliseconds(),
		Status:     it.Status,
		Matched:    it.Matched,
		Error:      it.Error,
		Request:    it.Request,
		Response:   it.Response,
	}
	if it.Request != nil {
		env.RequestText = bodyText(it.Request.Body, it.Request.Headers)
	}
	if it.Response != nil {
		env.ResponseText = bodyText(it.Response.Body, it.Response.Headers)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.encoder.Encode(env); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode interaction JSON", "error", err)
		}
		return err
	}
	return nil
}
