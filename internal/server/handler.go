package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/metrics"
	"github.com/funnyzak/replaytap/internal/printer"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

// Handler serves the collection endpoint: POST receives relay-form
// checkpoints, GET returns the stored ones in the same form.
type Handler struct {
	printer printer.Printer
	logger  logger.Logger
	config  *ServerConfig
	store   storage.Store
	web     CheckpointRecorder
	baseCtx context.Context
	procWG  *sync.WaitGroup
}

// ServerConfig endpoint configuration
type ServerConfig struct {
	Port         int
	Path         string
	MaxBodyBytes int64
}

// CheckpointRecorder receives every stored checkpoint, for live viewers.
type CheckpointRecorder interface {
	Record(*storage.StoredCheckpoint)
	Close()
}

var errRequestBodyTooLarge = errors.New("request body exceeds configured limit")

// NewHandler creates a new endpoint handler
func NewHandler(
	printer printer.Printer,
	log logger.Logger,
	config *ServerConfig,
	store storage.Store,
	webService CheckpointRecorder,
	baseCtx context.Context,
	procWG *sync.WaitGroup,
) *Handler {
	return &Handler{
		printer: printer,
		logger:  logger.OrNop(log),
		config:  config,
		store:   store,
		web:     webService,
		baseCtx: baseCtx,
		procWG:  procWG,
	}
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.receive(w, r)
	case http.MethodGet:
		h.servePending(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := h.readRequestBody(r)
	if err != nil {
		h.handleBodyReadError(w, err)
		return
	}

	records, err := decodeRelayBody(bodyBytes)
	if err != nil {
		h.logger.Warn("Rejected checkpoint body", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	// Persist before answering so a collector polling right after the
	// relay sees the record.
	stored := make([]*storage.StoredCheckpoint, 0, len(records))
	for _, rec := range records {
		item, err := h.persist(r.Context(), rec)
		if err != nil {
			h.logger.Error("Failed to persist checkpoint", "error", err, "location", rec.Location)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		metrics.EndpointRecords.Inc()
		stored = append(stored, item)
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Server", "ReplayTap/1.0")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))

	h.procWG.Add(1)
	go func() {
		defer h.procWG.Done()
		ctx, cancel := context.WithCancel(h.baseCtx)
		defer cancel()
		for _, item := range stored {
			h.processCheckpoint(ctx, item)
		}
	}()
}

func (h *Handler) persist(ctx context.Context, rec checkpoint.Record) (*storage.StoredCheckpoint, error) {
	if h.store == nil {
		return &storage.StoredCheckpoint{
			ID:         uuid.NewString(),
			ReceivedAt: time.Now().UTC(),
			Checkpoint: rec,
		}, nil
	}
	return h.store.Record(ctx, rec)
}

// decodeRelayBody accepts a single relay record or an array of them.
func decodeRelayBody(body []byte) ([]checkpoint.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}

	var relayed []checkpoint.RelayRecord
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &relayed); err != nil {
			return nil, err
		}
	} else {
		var one checkpoint.RelayRecord
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, err
		}
		relayed = append(relayed, one)
	}

	records := make([]checkpoint.Record, 0, len(relayed))
	for _, rr := range relayed {
		if rr.Location == "" {
			return nil, errors.New("checkpoint location is required")
		}
		rec, err := checkpoint.FromRelay(rr)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// processCheckpoint prints and broadcasts a stored checkpoint
func (h *Handler) processCheckpoint(ctx context.Context, stored *storage.StoredCheckpoint) {
	h.logger.Info("Checkpoint received",
		"id", stored.ID,
		"seq", stored.Seq,
		"location", stored.Checkpoint.Location,
		"outcome", stored.Checkpoint.Metadata.Outcome,
	)

	group, _ := errgroup.WithContext(ctx)

	if h.printer != nil {
		group.Go(func() error {
			if err := h.printer.PrintCheckpoint(stored); err != nil {
				return fmt.Errorf("print: %w", err)
			}
			return nil
		})
	}

	if h.web != nil {
		group.Go(func() error {
			h.web.Record(stored)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		h.logger.Warn("Checkpoint processing finished with errors", "error", err, "id", stored.ID)
	}
}

// servePending answers the collector: every stored checkpoint in relay
// form, oldest first. ?after=<seq> skips what a caller has already seen.
func (h *Handler) servePending(w http.ResponseWriter, r *http.Request) {
	relayed := []checkpoint.RelayRecord{}
	if h.store != nil {
		after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		err := h.store.Iterate(storage.ListOptions{
			AfterSeq: after,
			Name:     r.URL.Query().Get("name"),
		}, func(item *storage.StoredCheckpoint) bool {
			relayed = append(relayed, checkpoint.ToRelay(item.Checkpoint))
			return true
		})
		if err != nil {
			h.logger.Error("Failed to list checkpoints", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", "ReplayTap/1.0")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(relayed); err != nil {
		h.logger.Error("Failed to encode checkpoints", "error", err)
	}
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
