package printer

import (
	"sync/atomic"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/storage"
)

// Printer renders received checkpoints
type Printer interface {
	PrintCheckpoint(*storage.StoredCheckpoint) error
}

var globalCheckpointCounter uint64

func nextCheckpointNumber() uint64 {
	return atomic.AddUint64(&globalCheckpointCounter, 1)
}

// New creates the Printer for mode
func New(mode string, log logger.Logger, cfg *config.OutputConfig) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	switch mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log, &cfg.Payload)
	}
}
