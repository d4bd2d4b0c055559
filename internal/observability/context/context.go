// Package context carries request-scoped correlation values used by logs and spans.
package context

import (
	"context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	ownerKeyKey
	actorTypeKey
	actorIDKey
	jobIDKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey)
}

// WithOwnerKey tags the context with the owner being reconciled.
func WithOwnerKey(ctx context.Context, ownerKey string) context.Context {
	return withString(ctx, ownerKeyKey, ownerKey)
}

func OwnerKeyFromContext(ctx context.Context) string {
	return stringFrom(ctx, ownerKeyKey)
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = withString(ctx, actorTypeKey, actorType)
	return withString(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx context.Context) (string, string) {
	return stringFrom(ctx, actorTypeKey), stringFrom(ctx, actorIDKey)
}

func WithJobID(ctx context.Context, jobID string) context.Context {
	return withString(ctx, jobIDKey, jobID)
}

func JobIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, jobIDKey)
}

func withString(ctx context.Context, key ctxKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
