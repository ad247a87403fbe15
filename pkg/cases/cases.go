// Package cases projects session entries into typed test fixtures.
//
// Every loader returns cases ordered by start time, ties kept in session
// order.
package cases

import (
	"fmt"

	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/session"
)

// Call sites written by the HTTP adapters.
const (
	InboundSite  = "inbound"
	OutboundSite = "outbound"
)

// Call is one recorded function call.
type Call struct {
	Site     string
	Args     []any
	Kwargs   map[string]any
	Expected any
	// Failed is set when the call returned an error; Err holds its message.
	Failed  bool
	Err     string
	Context string
	Range   checkpoint.TimeRange
}

// FromEntry projects a call entry.
func FromEntry(e checkpoint.Entry) (Call, error) {
	in, ok := e.Input.(map[string]any)
	if !ok {
		return Call{}, fmt.Errorf("%s: input is %T, not a call input", e.Location, e.Input)
	}
	args, err := listField(in, "args")
	if err != nil {
		return Call{}, fmt.Errorf("%s: %w", e.Location, err)
	}
	kwargs, err := mapField(in, "kwargs")
	if err != nil {
		return Call{}, fmt.Errorf("%s: %w", e.Location, err)
	}

	c := Call{
		Site:    e.SiteID(),
		Args:    args,
		Kwargs:  kwargs,
		Context: e.Metadata.Context,
		Range:   e.Range(),
	}
	if e.Failed() {
		c.Failed = true
		c.Err = e.ErrorMessage()
	} else {
		c.Expected = e.Output
	}
	return c, nil
}

// Load returns the function calls whose site matches pattern, optionally
// scoped to within. Entries written by the HTTP adapters are skipped.
func Load(s *session.Session, pattern string, within *checkpoint.TimeRange) ([]Call, error) {
	entries := s.Filter(session.And(session.Scope(pattern, within), func(e checkpoint.Entry) bool {
		site := e.SiteID()
		return site != InboundSite && site != OutboundSite
	}))
	session.SortByStart(entries)

	calls := make([]Call, 0, len(entries))
	for _, e := range entries {
		c, err := FromEntry(e)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, nil
}

// Group splits calls by site, keeping each site's calls in order. The
// returned site list is in order of first call.
func Group(calls []Call) ([]string, map[string][]Call) {
	var sites []string
	bySite := make(map[string][]Call)
	for _, c := range calls {
		if _, ok := bySite[c.Site]; !ok {
			sites = append(sites, c.Site)
		}
		bySite[c.Site] = append(bySite[c.Site], c)
	}
	return sites, bySite
}

func listField(m map[string]any, key string) ([]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return []any{}, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s is %T, not a list", key, v)
	}
	return list, nil
}

func mapField(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s is %T, not a mapping", key, v)
	}
	return out, nil
}
