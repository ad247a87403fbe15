// Package recorder wraps calls so that each invocation emits one checkpoint
// record to a sink.
//
// A wrapped function consults, in order, a substitute installed for its call
// site, then the process-wide active recorder, and otherwise calls straight
// through. The active recorder is read once when a call starts, so
// registering or unregistering affects later calls only.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/metrics"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/sink"
)

// Recorder emits checkpoint records under a name.
type Recorder struct {
	name   string
	sink   sink.Sink
	now    func() time.Time
	log    logger.Logger
	labels map[string]string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source used for start and finish timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger used for dropped records and sink errors.
func WithLogger(log logger.Logger) Option {
	return func(r *Recorder) {
		r.log = logger.Named(log, "recorder")
	}
}

// WithLabels attaches static labels to every record's metadata. The map
// is copied.
func WithLabels(labels map[string]string) Option {
	return func(r *Recorder) {
		r.labels = maps.Clone(labels)
	}
}

// New creates a recorder. name becomes the prefix of every location and
// must not contain '/'.
func New(name string, s sink.Sink, opts ...Option) (*Recorder, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("recorder name cannot be empty")
	}
	if strings.Contains(name, "/") {
		return nil, fmt.Errorf("recorder name %q cannot contain '/'", name)
	}
	if s == nil {
		return nil, errors.New("recorder sink is nil")
	}
	r := &Recorder{name: name, sink: s, now: time.Now, log: logger.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// FromConfig builds and registers a recorder when cfg enables recording.
// The returned func unregisters it; it is a no-op when recording is off.
func FromConfig(cfg *config.RecorderConfig, store storage.Store, log logger.Logger) (func(), error) {
	if cfg == nil || !cfg.Enabled {
		return func() {}, nil
	}
	s, err := sink.New(cfg, store, log)
	if err != nil {
		return nil, err
	}
	r, err := New(cfg.Name, s, WithLogger(log))
	if err != nil {
		return nil, err
	}
	return Register(r), nil
}

// Name returns the location prefix of the recorder.
func (r *Recorder) Name() string {
	return r.name
}

// Now reads the recorder clock.
func (r *Recorder) Now() time.Time {
	return r.now()
}

// Emit records one finished call. Encoding and sink failures are logged
// and returned; callers on an instrumented path ignore them.
func (r *Recorder) Emit(ctx context.Context, siteID string, input, output any, start, finish time.Time, failed bool) error {
	rec, err := checkpoint.New(r.name, siteID, input, output, checkpoint.Timestamp(start), checkpoint.Timestamp(finish))
	if err != nil {
		metrics.EncodeFailures.WithLabelValues(r.name).Inc()
		r.log.Warn("Dropped checkpoint", "location", checkpoint.Join(r.name, siteID), "error", err)
		return err
	}
	rec.Metadata.Context = ContextValue(ctx)
	rec.Metadata.Labels = maps.Clone(r.labels)
	if failed {
		rec.Metadata.Outcome = checkpoint.OutcomeError
	}

	if err := r.save(ctx, rec); err != nil {
		r.log.Error("Sink rejected checkpoint", "location", rec.Location, "error", err)
		return err
	}
	metrics.RecordsEmitted.WithLabelValues(r.name).Inc()
	return nil
}

// save hands rec to the sink. A panicking sink is reported as an error so
// it never replaces the instrumented call's own result or panic.
func (r *Recorder) save(ctx context.Context, rec checkpoint.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panicked: %v", p)
		}
	}()
	return r.sink.Save(ctx, rec)
}

var active atomic.Pointer[Recorder]

// Register makes r the active recorder. The returned func unregisters r
// unless another recorder was registered since.
func Register(r *Recorder) func() {
	active.Store(r)
	return func() {
		active.CompareAndSwap(r, nil)
	}
}

// Unregister clears the active recorder.
func Unregister() {
	active.Store(nil)
}

// Active returns the active recorder, or nil.
func Active() *Recorder {
	return active.Load()
}

// Enabled reports whether a recorder is active.
func Enabled() bool {
	return active.Load() != nil
}

// CallInput is the recorded input of a call.
func CallInput(args []any, kwargs map[string]any) map[string]any {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return map[string]any{"args": args, "kwargs": kwargs}
}

// CallError is returned by a replayed call whose recording failed.
type CallError struct {
	Site    string
	Message string
}

func (e *CallError) Error() string {
	return e.Message
}

// invoke runs call under r and records its outcome exactly once. A panic
// is recorded as an error output and then re-raised.
func invoke[R any](ctx context.Context, r *Recorder, siteID string, args []any, call func(context.Context) (R, error)) (result R, err error) {
	start := r.now()
	defer func() {
		finish := r.now()
		p := recover()

		var output any = result
		failed := true
		switch {
		case p != nil:
			output = checkpoint.ErrorOutput(p)
		case err != nil:
			output = checkpoint.ErrorOutput(err)
		default:
			failed = false
		}
		_ = r.Emit(ctx, siteID, CallInput(args, nil), output, start, finish, failed)

		if p != nil {
			panic(p)
		}
	}()
	return call(ctx)
}
