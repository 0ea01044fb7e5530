package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/recproxy/internal/events"
	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/internal/match"
	"github.com/funnyzak/recproxy/internal/printer"
	"github.com/funnyzak/recproxy/internal/proxyerr"
	"github.com/funnyzak/recproxy/internal/registry"
	"github.com/funnyzak/recproxy/internal/sanitize"
	"github.com/funnyzak/recproxy/internal/session"
	"github.com/funnyzak/recproxy/internal/storage"
	"github.com/funnyzak/recproxy/internal/transform"
	"github.com/funnyzak/recproxy/pkg/recording"
)

// Proxy control headers
const (
	HeaderRecordingID    = "x-recording-id"
	HeaderUpstreamBase   = "x-recording-upstream-base-uri"
	HeaderIdentifier     = "x-abstraction-identifier"
	bodyKeyRecordingFile = "x-recording-file"
	bodyKeyAssetsFile    = "x-recording-assets-file"
)

// Handler serves the control endpoints and the proxied traffic
type Handler struct {
	sessions *session.Registry
	printer  printer.Printer
	journal  storage.Store
	hub      *events.Hub
	logger   logger.Logger
	config   *HandlerConfig
	baseCtx  context.Context
	procWG   *sync.WaitGroup
}

// HandlerConfig handler configuration
type HandlerConfig struct {
	MaxBodyBytes int64
}

var errRequestBodyTooLarge = errors.New("request body exceeds configured limit")

// NewHandler creates a new request handler. journal and hub may be nil.
func NewHandler(
	sessions *session.Registry,
	printer printer.Printer,
	journal storage.Store,
	hub *events.Hub,
	logger logger.Logger,
	config *HandlerConfig,
	baseCtx context.Context,
	procWG *sync.WaitGroup,
) *Handler {
	if config == nil {
		config = &HandlerConfig{}
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if procWG == nil {
		procWG = &sync.WaitGroup{}
	}
	return &Handler{
		sessions: sessions,
		printer:  printer,
		journal:  journal,
		hub:      hub,
		logger:   logger,
		config:   config,
		baseCtx:  baseCtx,
		procWG:   procWG,
	}
}

type startRequest struct {
	RecordingFile string `json:"x-recording-file"`
	AssetsFile    string `json:"x-recording-assets-file"`
}

// RecordStart handles POST /Record/Start
func (h *Handler) RecordStart(w http.ResponseWriter, r *http.Request) {
	start, err := h.readStartRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := h.sessions.StartRecord(r.Context(), start.RecordingFile, start.AssetsFile)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set(HeaderRecordingID, id)
	w.WriteHeader(http.StatusOK)
}

// RecordStop handles POST /Record/Stop
func (h *Handler) RecordStop(w http.ResponseWriter, r *http.Request) {
	h.stop(w, r, session.ModeRecord)
}

// PlaybackStart handles POST /Playback/Start
func (h *Handler) PlaybackStart(w http.ResponseWriter, r *http.Request) {
	start, err := h.readStartRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, vars, err := h.sessions.StartPlayback(r.Context(), start.RecordingFile, start.AssetsFile)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if vars == nil {
		vars = map[string]string{}
	}
	w.Header().Set(HeaderRecordingID, id)
	h.writeJSON(w, http.StatusOK, vars)
}

// PlaybackStop handles POST /Playback/Stop
func (h *Handler) PlaybackStop(w http.ResponseWriter, r *http.Request) {
	h.stop(w, r, session.ModePlayback)
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request, want session.Mode) {
	id := strings.TrimSpace(r.Header.Get(HeaderRecordingID))
	if id == "" {
		h.writeError(w, proxyerr.Configuration(HeaderRecordingID, "the %s header is required", HeaderRecordingID))
		return
	}
	mode, err := h.sessions.Mode(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if mode != want {
		h.writeError(w, proxyerr.Configuration(id, "session %s is a %s session, not %s", id, mode, want))
		return
	}

	var vars map[string]string
	if want == session.ModeRecord {
		body, err := h.readRequestBody(r)
		if err != nil {
			h.handleBodyReadError(w, err)
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &vars); err != nil {
				h.writeError(w, proxyerr.WrapConfiguration(id, err, "variables must be a JSON object of strings"))
				return
			}
		}
	}

	if err := h.sessions.Stop(r.Context(), id, vars); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) readStartRequest(r *http.Request) (*startRequest, error) {
	body, err := h.readRequestBody(r)
	if err != nil {
		return nil, err
	}
	var start startRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &start); err != nil {
			return nil, proxyerr.WrapConfiguration(bodyKeyRecordingFile, err,
				"the start body must be a JSON object with %q and optional %q", bodyKeyRecordingFile, bodyKeyAssetsFile)
		}
	}
	return &start, nil
}

// AddSanitizer handles POST /Admin/AddSanitizer
func (h *Handler) AddSanitizer(w http.ResponseWriter, r *http.Request) {
	h.admin(w, r, h.sessions.AddSanitizer)
}

// AddTransform handles POST /Admin/AddTransform
func (h *Handler) AddTransform(w http.ResponseWriter, r *http.Request) {
	h.admin(w, r, h.sessions.AddTransform)
}

// SetMatcher handles POST /Admin/SetMatcher
func (h *Handler) SetMatcher(w http.ResponseWriter, r *http.Request) {
	h.admin(w, r, h.sessions.SetMatcher)
}

func (h *Handler) admin(w http.ResponseWriter, r *http.Request, apply func(string, []byte, session.Scope) error) {
	identifier := strings.TrimSpace(r.Header.Get(HeaderIdentifier))
	if identifier == "" {
		h.writeError(w, proxyerr.Configuration(HeaderIdentifier, "the %s header is required", HeaderIdentifier))
		return
	}
	body, err := h.readRequestBody(r)
	if err != nil {
		h.handleBodyReadError(w, err)
		return
	}
	scope := session.Scope{SessionID: strings.TrimSpace(r.Header.Get(HeaderRecordingID))}
	if err := apply(identifier, body, scope); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("Pipeline updated", "identifier", identifier, "session", scope.SessionID)
	w.WriteHeader(http.StatusOK)
}

// Reset handles POST /Admin/Reset
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	scope := session.Scope{SessionID: strings.TrimSpace(r.Header.Get(HeaderRecordingID))}
	if err := h.sessions.Reset(scope); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type sessionsResponse struct {
	Active  []session.Info           `json:"active"`
	History []*storage.SessionRecord `json:"history"`
}

// Sessions handles GET /Admin/Sessions
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	resp := sessionsResponse{Active: h.sessions.Sessions(), History: []*storage.SessionRecord{}}
	if h.journal != nil {
		limit := queryInt(r, "limit", 50)
		history, err := h.journal.ListSessions(r.Context(), limit)
		if err != nil {
			h.logger.Error("Failed to list journal sessions", "error", err)
			h.writeJSON(w, http.StatusInternalServerError, errorBody{Message: err.Error(), Status: "JournalError"})
			return
		}
		if history != nil {
			resp.History = history
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type interactionsResponse struct {
	Total int                    `json:"total"`
	Items []*storage.Interaction `json:"items"`
}

// Interactions handles GET /Admin/Interactions
func (h *Handler) Interactions(w http.ResponseWriter, r *http.Request) {
	resp := interactionsResponse{Items: []*storage.Interaction{}}
	if h.journal != nil {
		items, total, err := h.journal.ListInteractions(r.Context(), storage.ListOptions{
			SessionID: r.URL.Query().Get("session"),
			Limit:     queryInt(r, "limit", 50),
			Offset:    queryInt(r, "offset", 0),
		})
		if err != nil {
			h.logger.Error("Failed to list journal interactions", "error", err)
			h.writeJSON(w, http.StatusInternalServerError, errorBody{Message: err.Error(), Status: "JournalError"})
			return
		}
		resp.Total = total
		if items != nil {
			resp.Items = items
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type availableResponse struct {
	Sanitizers []registry.Description `json:"sanitizers"`
	Transforms []registry.Description `json:"transforms"`
	Matchers   []registry.Description `json:"matchers"`
	Active     session.Pipeline       `json:"active"`
}

// Available handles GET /Info/Available
func (h *Handler) Available(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, availableResponse{
		Sanitizers: sanitize.Catalog.Describe(),
		Transforms: transform.Catalog.Describe(),
		Matchers:   match.Catalog.Describe(),
		Active:     h.sessions.GlobalPipeline(),
	})
}

// ServeHTTP handles proxied traffic for an active session
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.Header.Get(HeaderRecordingID))
	if id == "" {
		h.writeError(w, proxyerr.Configuration(HeaderRecordingID, "proxied requests must carry the %s header", HeaderRecordingID))
		return
	}
	mode, err := h.sessions.Mode(id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	bodyBytes, err := h.readRequestBody(r)
	if err != nil {
		h.handleBodyReadError(w, err)
		return
	}

	upstream := strings.TrimSpace(r.Header.Get(HeaderUpstreamBase))
	if mode == session.ModeRecord && upstream == "" && !r.URL.IsAbs() {
		h.writeError(w, proxyerr.Configuration(HeaderUpstreamBase, "record sessions need the %s header", HeaderUpstreamBase))
		return
	}
	req, err := recording.CaptureRequest(r, bodyBytes, upstream)
	if err != nil {
		h.writeError(w, proxyerr.WrapConfiguration(HeaderUpstreamBase, err, "unable to build the upstream request"))
		return
	}

	started := time.Now()
	resp, handleErr := h.sessions.Handle(r.Context(), id, req)
	it := &printer.Interaction{
		SessionID: id,
		Mode:      string(mode),
		Request:   req,
		Response:  resp,
		Duration:  time.Since(started),
		Timestamp: started,
	}
	if handleErr != nil {
		it.Status = statusFor(handleErr)
		it.Error = handleErr.Error()
		h.writeError(w, handleErr)
	} else {
		it.Status = resp.StatusCode
		it.Matched = mode == session.ModePlayback
		h.writeResponse(w, resp)
	}

	h.procWG.Add(1)
	go func() {
		defer h.procWG.Done()
		ctx, cancel := context.WithCancel(h.baseCtx)
		defer cancel()
		h.processInteraction(ctx, it)
	}()
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp *recording.Response) {
	for key, values := range resp.Headers {
		switch strings.ToLower(key) {
		case "content-length", "transfer-encoding", "connection":
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			h.logger.Warn("Failed to write response body", "error", err)
		}
	}
}

// processInteraction prints, journals and broadcasts the exchange
func (h *Handler) processInteraction(ctx context.Context, it *printer.Interaction) {
	h.logger.Info("Request handled",
		"session", it.SessionID,
		"mode", it.Mode,
		"method", it.Request.Method,
		"uri", it.Request.URI,
		"status", it.Status,
		"duration_ms", it.Duration.Milliseconds(),
	)

	group, groupCtx := errgroup.WithContext(ctx)

	if h.printer != nil {
		group.Go(func() error {
			if err := h.printer.PrintInteraction(it); err != nil {
				h.logger.Error("Failed to print interaction", "error", err, "session", it.SessionID)
			}
			return nil
		})
	}

	if h.journal != nil {
		group.Go(func() error {
			err := h.journal.RecordInteraction(groupCtx, &storage.Interaction{
				SessionID:  it.SessionID,
				Method:     it.Request.Method,
				URI:        it.Request.URI,
				Status:     it.Status,
				Matched:    it.Matched,
				Error:      it.Error,
				DurationMs: it.Duration.Milliseconds(),
				CreatedAt:  it.Timestamp,
			})
			if err != nil {
				h.logger.Error("Failed to journal interaction", "error", err, "session", it.SessionID)
			}
			return nil
		})
	}

	if h.hub != nil {
		group.Go(func() error {
			h.hub.Broadcast(events.Event{
				Type:      events.TypeInteraction,
				SessionID: it.SessionID,
				Mode:      it.Mode,
				Method:    it.Request.Method,
				URI:       it.Request.URI,
				Status:    it.Status,
				Matched:   it.Matched,
				Error:     it.Error,
				Timestamp: it.Timestamp.UTC(),
			})
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		h.logger.Warn("Interaction processing finished with errors", "error", err, "session", it.SessionID)
	}
}

type errorBody struct {
	Message string `json:"Message"`
	Status  string `json:"Status"`
}

// statusFor maps an engine error to its HTTP status
func statusFor(err error) int {
	switch proxyerr.KindOf(err) {
	case proxyerr.KindConfiguration, proxyerr.KindUnknownSession, proxyerr.KindAssetsConfigNotFound:
		return http.StatusBadRequest
	case proxyerr.KindNoMatch:
		return http.StatusNotFound
	case proxyerr.KindAssetStoreIO:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errRequestBodyTooLarge) {
		h.handleBodyReadError(w, err)
		return
	}
	status := statusFor(err)
	kind := string(proxyerr.KindOf(err))
	if kind == "" {
		kind = "InternalError"
	}
	msg := err.Error()
	if detail := proxyerr.Details(err); len(detail) > 0 {
		msg += "\n" + strings.Join(detail, "\n")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "error", err, "status", status)
	} else {
		h.logger.Warn("Request rejected", "error", err, "status", status)
	}
	h.writeJSON(w, status, errorBody{Message: msg, Status: kind})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", "error", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (h *Handler) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	if h.config.MaxBodyBytes <= 0 {
		return io.ReadAll(r.Body)
	}

	limited := io.LimitReader(r.Body, h.config.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > h.config.MaxBodyBytes {
		return nil, errRequestBodyTooLarge
	}
	return body, nil
}

func (h *Handler) handleBodyReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errRequestBodyTooLarge):
		h.logger.Warn("Request body exceeds configured limit",
			"limit_bytes", h.config.MaxBodyBytes,
		)
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
	default:
		h.logger.Error("Failed to read request body", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
