package sink

import (
	"context"

	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

// StoreSink persists records in a checkpoint store.
type StoreSink struct {
	store storage.Store
}

// NewStore wraps store.
func NewStore(store storage.Store) *StoreSink {
	return &StoreSink{store: store}
}

// Save implements Sink
func (s *StoreSink) Save(ctx context.Context, rec checkpoint.Record) error {
	_, err := s.store.Record(ctx, rec)
	return err
}
