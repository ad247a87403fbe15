package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/metrics"
	"github.com/funnyzak/replaytap/internal/printer"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/internal/web"
)

// APIPath is where the checkpoint API and live feed are mounted.
const APIPath = "/api"

// Server development collection endpoint
type Server struct {
	config  *config.Config
	logger  logger.Logger
	handler *Handler
	store   storage.Store
	web     *web.Service
	httpSrv *http.Server

	baseCtx    context.Context
	cancelBase context.CancelFunc
	procWG     sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

// New creates a server backed by the configured store
func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	log = logger.OrNop(log)
	if PathsOverlap(cfg.Server.Path, APIPath) {
		return nil, fmt.Errorf("server.path (%s) conflicts with %s; please configure a different value", cfg.Server.Path, APIPath)
	}

	store, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var p printer.Printer
	if !cfg.Output.Silence {
		p = printer.New(cfg.Output.Mode, log, &cfg.Output)
	}

	webService := web.NewService(store, APIPath, nil, log)
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:     cfg,
		logger:     log,
		store:      store,
		web:        webService,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.handler = NewHandler(p, log, &ServerConfig{
		Port:         cfg.Server.Port,
		Path:         cfg.Server.Path,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, store, webService, baseCtx, &s.procWG)
	return s, nil
}

// Router returns the endpoint routes
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.web.RegisterRoutes(router)
	router.Handle(s.config.Server.Path, s.handler).Methods(http.MethodGet, http.MethodPost)
	return router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting collection endpoint",
		"addr", s.httpSrv.Addr,
		"path", s.config.Server.Path,
		"storage", s.config.Storage.Path,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.close()
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	err := s.Stop()
	s.logger.Info("Server exited")
	return err
}

// Stop shuts the HTTP server down and releases resources
func (s *Server) Stop() error {
	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err = s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("Server forced to shutdown", "error", err)
		}
	}
	return errors.Join(err, s.close())
}

func (s *Server) close() error {
	s.closeOnce.Do(func() {
		s.procWG.Wait()
		s.cancelBase()
		s.web.Close()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// PathsOverlap reports whether two URL paths shadow each other
func PathsOverlap(a, b string) bool {
	a, b = normalizeConfigPath(a), normalizeConfigPath(b)
	if a == "/" || b == "/" {
		return a == b
	}
	if a == b {
		return true
	}

	aPrefix := strings.TrimRight(a, "/") + "/"
	bPrefix := strings.TrimRight(b, "/") + "/"
	return strings.HasPrefix(aPrefix, bPrefix) || strings.HasPrefix(bPrefix, aPrefix)
}

func normalizeConfigPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
