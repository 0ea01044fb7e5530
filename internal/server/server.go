package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/recproxy/internal/assets"
	"github.com/funnyzak/recproxy/internal/config"
	"github.com/funnyzak/recproxy/internal/events"
	"github.com/funnyzak/recproxy/internal/forwarder"
	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/internal/printer"
	"github.com/funnyzak/recproxy/internal/session"
	"github.com/funnyzak/recproxy/internal/storage"
)

// Server HTTP server
type Server struct {
	config    *config.Config
	logger    logger.Logger
	handler   *Handler
	sessions  *session.Registry
	forwarder *forwarder.Forwarder
	journal   storage.Store
	hub       *events.Hub
	httpSrv   *http.Server

	// ready is closed once the listener is bound.
	ready    chan struct{}
	addr     string
	baseCtx  context.Context
	cancel   context.CancelFunc
	procWG   sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new server instance
func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	store, err := assets.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("create asset store: %w", err)
	}

	journal, err := storage.New(&cfg.Journal, log)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	fwd := forwarder.NewForwarder(log, forwarder.Options{
		Timeout:               time.Duration(cfg.Forward.Timeout) * time.Second,
		Retries:               cfg.Forward.MaxRetries,
		MaxConcurrent:         cfg.Forward.MaxConcurrent,
		MaxIdleConns:          cfg.Forward.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Forward.MaxIdleConnsPerHost,
		IdleConnTimeout:       time.Duration(cfg.Forward.IdleConnTimeout) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Forward.ResponseHeaderTimeout) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.Forward.TLSHandshakeTimeout) * time.Second,
		TLSInsecureSkipVerify: cfg.Forward.TLSInsecureSkipVerify,
	})

	observers := []session.Observer{&journalObserver{store: journal, logger: log}}
	var hub *events.Hub
	if cfg.Events.Enable {
		hub = events.NewHub(log)
		observers = append(observers, hub)
	}

	sessions := session.NewRegistry(store, fwd, log, session.Options{
		PushOnStop: cfg.Assets.PushOnStop,
		Observers:  observers,
	})

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		logger:    log,
		sessions:  sessions,
		forwarder: fwd,
		journal:   journal,
		hub:       hub,
		ready:     make(chan struct{}),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
	s.handler = NewHandler(
		sessions,
		printer.New(&cfg.Output, log),
		journal,
		hub,
		log,
		&HandlerConfig{MaxBodyBytes: cfg.Server.MaxBodyBytes},
		baseCtx,
		&s.procWG,
	)
	return s, nil
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	return NewRouter(s.handler, s.hub)
}

// NewRouter wires the control endpoints ahead of the catch-all proxy route
func NewRouter(h *Handler, hub *events.Hub) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/Record/Start", h.RecordStart).Methods(http.MethodPost)
	router.HandleFunc("/Record/Stop", h.RecordStop).Methods(http.MethodPost)
	router.HandleFunc("/Playback/Start", h.PlaybackStart).Methods(http.MethodPost)
	router.HandleFunc("/Playback/Stop", h.PlaybackStop).Methods(http.MethodPost)

	admin := router.PathPrefix("/Admin").Subrouter()
	admin.HandleFunc("/AddSanitizer", h.AddSanitizer).Methods(http.MethodPost)
	admin.HandleFunc("/AddTransform", h.AddTransform).Methods(http.MethodPost)
	admin.HandleFunc("/SetMatcher", h.SetMatcher).Methods(http.MethodPost)
	admin.HandleFunc("/Reset", h.Reset).Methods(http.MethodPost)
	admin.HandleFunc("/Sessions", h.Sessions).Methods(http.MethodGet)
	admin.HandleFunc("/Interactions", h.Interactions).Methods(http.MethodGet)
	if hub != nil {
		admin.Handle("/Events", hub).Methods(http.MethodGet)
	}

	router.HandleFunc("/Info/Available", h.Available).Methods(http.MethodGet)

	router.PathPrefix("/").Handler(h)
	return router
}

// Start listens and blocks until SIGINT/SIGTERM
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		close(s.ready)
		s.shutdown()
		return fmt.Errorf("listen on %s: %w", s.config.Addr(), err)
	}
	s.addr = ln.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("Starting HTTP server",
		"addr", s.addr,
		"storage_location", s.config.StorageLocation,
		"assets_driver", s.config.Assets.Driver,
		"journal_driver", s.config.Journal.Driver,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	close(s.ready)

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server...")
	case err := <-errCh:
		if err != nil {
			s.shutdown()
			return fmt.Errorf("server failed: %w", err)
		}
	}
	return s.shutdown()
}

// Addr returns the bound address once Run has started listening
func (s *Server) Addr() string {
	<-s.ready
	return s.addr
}

func (s *Server) shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		timeout := time.Duration(s.config.Server.ShutdownTimeout) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if s.httpSrv != nil {
			if serr := s.httpSrv.Shutdown(ctx); serr != nil {
				s.logger.Error("Server forced to shutdown", "error", serr)
				err = serr
			}
		}

		// Let in-flight print/journal/broadcast work drain before closing sinks.
		s.procWG.Wait()
		s.cancel()

		s.forwarder.Close()
		if s.hub != nil {
			s.hub.Close()
		}
		if cerr := s.journal.Close(); cerr != nil {
			s.logger.Error("Failed to close journal", "error", cerr)
		}
		s.logger.Info("Server exited")
	})
	return err
}

// Stop stops the server
func (s *Server) Stop() error {
	return s.shutdown()
}
