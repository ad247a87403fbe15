package recorder

import (
	"context"
	"sync"
)

// Substitute stands in for the real implementation of a call site.
// args are the recorded arguments of the call, receiver excluded.
type Substitute interface {
	Invoke(ctx context.Context, args []any) (any, error)
}

// SubstituteFunc adapts a function to Substitute.
type SubstituteFunc func(ctx context.Context, args []any) (any, error)

// Invoke implements Substitute
func (f SubstituteFunc) Invoke(ctx context.Context, args []any) (any, error) {
	return f(ctx, args)
}

type installed struct {
	token uint64
	sub   Substitute
}

var substitutes = struct {
	sync.RWMutex
	next  uint64
	sites map[string][]installed
}{sites: make(map[string][]installed)}

// Install makes sub answer every call to siteID until the returned restore
// func runs. Installs on the same site stack: the latest one answers.
// restore is idempotent.
func Install(siteID string, sub Substitute) (restore func()) {
	substitutes.Lock()
	substitutes.next++
	token := substitutes.next
	substitutes.sites[siteID] = append(substitutes.sites[siteID], installed{token: token, sub: sub})
	substitutes.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { uninstall(siteID, token) })
	}
}

func uninstall(siteID string, token uint64) {
	substitutes.Lock()
	defer substitutes.Unlock()
	stack := substitutes.sites[siteID]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].token == token {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(substitutes.sites, siteID)
		return
	}
	substitutes.sites[siteID] = stack
}

// Lookup returns the substitute answering siteID, or nil.
func Lookup(siteID string) Substitute {
	substitutes.RLock()
	defer substitutes.RUnlock()
	stack := substitutes.sites[siteID]
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1].sub
}
