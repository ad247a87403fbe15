// Package web exposes stored checkpoints over a JSON API, a websocket
// live feed and file exports.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
	contentTypeJSON  = "application/json"
)

// Service bundles the API, live feed and export endpoints.
type Service struct {
	logger  logger.Logger
	store   storage.Store
	hub     *WebsocketHub
	formats []string
	base    string
}

// NewService builds a Service mounted under base (for example "/api").
func NewService(store storage.Store, base string, formats []string, log logger.Logger) *Service {
	log = logger.OrNop(log)
	return &Service{
		logger:  log,
		store:   store,
		hub:     NewWebsocketHub(log),
		formats: AllowedFormats(formats),
		base:    normalizePath(base),
	}
}

// Hub returns the live feed hub.
func (s *Service) Hub() *WebsocketHub {
	return s.hub
}

// RegisterRoutes wires HTTP routes into the provided router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix(s.base).Subrouter()
	api.HandleFunc("/checkpoints", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/checkpoints/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
}

// Record pushes a stored checkpoint to live viewers.
func (s *Service) Record(stored *StoredCheckpoint) {
	if s == nil || stored == nil {
		return
	}
	if err := s.hub.Broadcast(Event{Type: "checkpoint", Data: stored}); err != nil {
		s.logger.Error("Failed to broadcast checkpoint", "error", err, "id", stored.ID)
	}
}

// Close releases resources.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.hub.Close()
}

func (s *Service) listOptions(r *http.Request) ListOptions {
	query := r.URL.Query()
	limit := parseIntDefault(query.Get("limit"), defaultListLimit)
	if limit > maxListLimit {
		limit = maxListLimit
	}
	after, _ := strconv.ParseInt(query.Get("after"), 10, 64)
	return ListOptions{
		Search:   query.Get("search"),
		Name:     query.Get("name"),
		AfterSeq: after,
		Limit:    limit,
		Offset:   parseIntDefault(query.Get("offset"), 0),
	}
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	opts := s.listOptions(r)
	items, total, err := s.store.List(opts)
	if err != nil {
		s.logger.Error("Failed to list checkpoints", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []*StoredCheckpoint{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	item, err := s.store.Get(id)
	if err != nil {
		s.logger.Error("Failed to load checkpoint", "error", err, "id", id)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if item == nil {
		http.NotFound(w, r)
		return
	}
	s.respondJSON(w, http.StatusOK, item)
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	format := canonicalFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	if !containsFormat(s.formats, format) {
		http.Error(w, fmt.Sprintf("Unsupported export format: %s", format), http.StatusBadRequest)
		return
	}

	opts := s.listOptions(r)
	opts.Limit, opts.Offset = 0, 0

	// Headers go out before the first row, so a failure mid-stream can
	// only be logged.
	contentType, ext, _ := describeFormat(format)
	filename := fmt.Sprintf("replaytap_checkpoints_%d.%s", time.Now().Unix(), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)

	var iterErr error
	_, _, err := StreamExport(w, func(yield func(*StoredCheckpoint) bool) {
		iterErr = s.store.Iterate(opts, yield)
	}, format)
	if err == nil {
		err = iterErr
	}
	if err != nil {
		s.logger.Error("Export failed", "error", err, "format", format)
	}
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if _, err := s.hub.Upgrade(w, r); err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
	}
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}

func normalizePath(p string) string {
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

func containsFormat(formats []string, target string) bool {
	for _, f := range formats {
		if f == target {
			return true
		}
	}
	return false
}
