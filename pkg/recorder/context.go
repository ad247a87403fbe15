package recorder

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type contextKey struct{}

// StartContext returns a child of ctx carrying a correlation token. Every
// record emitted under the child stores the token in its metadata. An
// empty value draws a random one.
func StartContext(ctx context.Context, value string) context.Context {
	if value == "" {
		value = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return context.WithValue(ctx, contextKey{}, value)
}

// ResetContext returns a child of ctx with no correlation token.
func ResetContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, "")
}

// ContextValue returns the correlation token carried by ctx.
func ContextValue(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(contextKey{}).(string)
	return v
}
