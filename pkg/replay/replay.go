// Package replay stands recorded calls in for real call sites.
//
// Activate installs one substitute per call site found in a session. Each
// invocation of a substitute returns the next recorded output for that site,
// regardless of its arguments, and is kept so the caller can compare the
// actual invocations with the recorded ones.
package replay

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/funnyzak/replaytap/pkg/cases"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/codec"
	"github.com/funnyzak/replaytap/pkg/recorder"
	"github.com/funnyzak/replaytap/pkg/session"
)

// ErrExhausted is returned when a substitute is invoked more often than
// its site was recorded.
var ErrExhausted = errors.New("recorded calls exhausted")

// Invocation is one actual call of a substitute.
type Invocation struct {
	// Args are normalized the way recorded arguments are, so they compare
	// equal to Call.Args of the matching case.
	Args    []any
	Raw     []any
	Context string
}

// Patch replays the recorded calls of one site.
type Patch struct {
	site     string
	expected []cases.Call

	mu      sync.Mutex
	calls   []Invocation
	restore func()
}

func newPatch(site string, expected []cases.Call) *Patch {
	return &Patch{site: site, expected: expected}
}

// Site returns the call-site id the patch stands in for.
func (p *Patch) Site() string {
	return p.site
}

// Expected returns the recorded calls in order.
func (p *Patch) Expected() []cases.Call {
	return append([]cases.Call(nil), p.expected...)
}

// ExpectedArgs returns the recorded argument lists in order.
func (p *Patch) ExpectedArgs() [][]any {
	out := make([][]any, len(p.expected))
	for i, c := range p.expected {
		out[i] = c.Args
	}
	return out
}

// Calls returns the invocations observed so far.
func (p *Patch) Calls() []Invocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Invocation(nil), p.calls...)
}

// CallArgs returns the normalized arguments of every invocation.
func (p *Patch) CallArgs() [][]any {
	calls := p.Calls()
	out := make([][]any, len(calls))
	for i, c := range calls {
		out[i] = c.Args
	}
	return out
}

// Remaining returns how many recorded outputs are left.
func (p *Patch) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return max(len(p.expected)-len(p.calls), 0)
}

// Invoke implements recorder.Substitute
func (p *Patch) Invoke(ctx context.Context, args []any) (any, error) {
	inv := Invocation{Args: normalizeArgs(args), Raw: args, Context: recorder.ContextValue(ctx)}

	p.mu.Lock()
	p.calls = append(p.calls, inv)
	n := len(p.calls)
	p.mu.Unlock()

	if n > len(p.expected) {
		return nil, fmt.Errorf("%w: %s called %d times, %d recorded", ErrExhausted, p.site, n, len(p.expected))
	}
	c := p.expected[n-1]
	if c.Failed {
		return nil, &recorder.CallError{Site: p.site, Message: c.Err}
	}
	return c.Expected, nil
}

// Verify reports a mismatch between the recorded and the actual calls in
// count or arguments.
func (p *Patch) Verify() error {
	want, got := p.ExpectedArgs(), p.CallArgs()
	if len(want) != len(got) {
		return fmt.Errorf("%s: %d calls recorded, %d made", p.site, len(want), len(got))
	}
	for i := range want {
		if !reflect.DeepEqual(want[i], got[i]) {
			return fmt.Errorf("%s: call %d: recorded args %v, got %v", p.site, i+1, want[i], got[i])
		}
	}
	return nil
}

// normalizeArgs passes args through the codec like a recorded input.
func normalizeArgs(args []any) []any {
	v, err := codec.Normalize(recorder.CallInput(args, nil))
	if err != nil {
		return args
	}
	in, ok := v.(map[string]any)
	if !ok {
		return args
	}
	list, ok := in["args"].([]any)
	if !ok {
		return args
	}
	return list
}

// Patches is the set of substitutes installed by one activation.
type Patches struct {
	order  []*Patch
	bySite map[string]*Patch
	once   sync.Once
}

// Activate installs a substitute for every call site matching pattern,
// optionally scoped to within. Zero matches yield an empty set. The
// caller must Release the set.
func Activate(s *session.Session, pattern string, within *checkpoint.TimeRange) (*Patches, error) {
	calls, err := cases.Load(s, pattern, within)
	if err != nil {
		return nil, err
	}
	sites, bySite := cases.Group(calls)

	ps := &Patches{bySite: make(map[string]*Patch, len(sites))}
	for _, site := range sites {
		p := newPatch(site, bySite[site])
		p.restore = recorder.Install(site, p)
		ps.order = append(ps.order, p)
		ps.bySite[site] = p
	}
	return ps, nil
}

// With activates the patches, runs fn, and releases them even when fn
// fails or panics.
func With(s *session.Session, pattern string, within *checkpoint.TimeRange, fn func(*Patches) error) error {
	ps, err := Activate(s, pattern, within)
	if err != nil {
		return err
	}
	defer ps.Release()
	return fn(ps)
}

// Release restores the real implementations, last installed first. It is
// safe to call more than once.
func (ps *Patches) Release() {
	ps.once.Do(func() {
		for i := len(ps.order) - 1; i >= 0; i-- {
			ps.order[i].restore()
		}
	})
}

// Get returns the patch for site, or nil.
func (ps *Patches) Get(site string) *Patch {
	return ps.bySite[site]
}

// Find returns the patches whose site matches the glob pattern, with the
// same implicit leading '*' as session.Match.
func (ps *Patches) Find(pattern string) []*Patch {
	re := session.Glob("*" + pattern)
	var out []*Patch
	for _, p := range ps.order {
		if re.MatchString(p.site) {
			out = append(out, p)
		}
	}
	return out
}

// All returns every patch in order of first recorded call.
func (ps *Patches) All() []*Patch {
	return append([]*Patch(nil), ps.order...)
}

// Len returns the number of patched sites.
func (ps *Patches) Len() int {
	return len(ps.order)
}

// Verify runs Verify on every patch and joins the failures.
func (ps *Patches) Verify() error {
	var errs []error
	for _, p := range ps.order {
		if err := p.Verify(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
