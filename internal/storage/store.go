package storage

import (
	"context"
	"errors"
	"time"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// ListOptions controls filtering and pagination when fetching checkpoints.
type ListOptions struct {
	// Search matches a substring of the location.
	Search string
	// Name keeps only records of one recorder.
	Name string
	// AfterSeq keeps records stored after the given sequence number.
	AfterSeq int64
	Limit    int
	Offset   int
}

// StoredCheckpoint wraps a record with its persisted identity.
type StoredCheckpoint struct {
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	ReceivedAt time.Time         `json:"received_at"`
	Checkpoint checkpoint.Record `json:"checkpoint"`
}

// Store defines the persistence contract for received checkpoints.
// Results are ordered by arrival.
type Store interface {
	Record(context.Context, checkpoint.Record) (*StoredCheckpoint, error)
	List(ListOptions) ([]*StoredCheckpoint, int, error)
	Iterate(ListOptions, func(*StoredCheckpoint) bool) error
	Snapshot() ([]*StoredCheckpoint, error)
	Get(string) (*StoredCheckpoint, error)
	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, logger.OrNop(log))
	default:
		return nil, ErrUnsupportedDriver
	}
}
