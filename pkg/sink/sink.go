// Package sink delivers checkpoint records to wherever a session is kept.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

// ErrUnsupportedKind indicates the configured sink kind is unknown.
var ErrUnsupportedKind = errors.New("unsupported sink kind")

// Sink receives finished checkpoint records. Delivery is best effort: a
// sink never retries.
type Sink interface {
	Save(ctx context.Context, rec checkpoint.Record) error
}

// Func adapts a plain function to Sink.
type Func func(ctx context.Context, rec checkpoint.Record) error

// Save implements Sink
func (f Func) Save(ctx context.Context, rec checkpoint.Record) error {
	return f(ctx, rec)
}

// Multi fans a record out to every sink, returning the joined errors.
func Multi(sinks ...Sink) Sink {
	return Func(func(ctx context.Context, rec checkpoint.Record) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Save(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// New builds the sink selected by cfg. store is only used by the "store" kind.
func New(cfg *config.RecorderConfig, store storage.Store, log logger.Logger) (Sink, error) {
	if cfg == nil {
		return nil, errors.New("recorder config is nil")
	}
	log = logger.OrNop(log)

	switch kind := strings.ToLower(cfg.Sink); kind {
	case "memory":
		return NewMemory(), nil
	case "relay":
		return NewRelay(cfg.RelayURL, cfg.RelayTimeout, log), nil
	case "file":
		return NewFile(cfg.File), nil
	case "store":
		if store == nil {
			return nil, fmt.Errorf("store sink requires a checkpoint store")
		}
		return NewStore(store), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
}
