package driver

import (
	"context"
)

type contextKey struct{}

// NewContext returns a copy of ctx carrying msgCtx.
func NewContext(ctx context.Context, msgCtx Context) context.Context {
	return context.WithValue(ctx, contextKey{}, msgCtx)
}

// FromContext returns the message context stored in ctx, if any.
func FromContext(ctx context.Context) (Context, bool) {
	msgCtx, ok := ctx.Value(contextKey{}).(Context)
	return msgCtx, ok
}
