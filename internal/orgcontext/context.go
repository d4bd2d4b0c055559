package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// OwnerContextKey is the request context key for the resolved owner.
type OwnerContextKey struct{}

type owner struct {
	id  snowflake.ID
	key string
}

// WithOwner stores the owner id and key in the context.
func WithOwner(ctx context.Context, id snowflake.ID, key string) context.Context {
	return context.WithValue(ctx, OwnerContextKey{}, owner{id: id, key: strings.TrimSpace(key)})
}

// OwnerIDFromContext returns the owner ID from context, if set.
func OwnerIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	switch typed := ctx.Value(OwnerContextKey{}).(type) {
	case owner:
		return typed.id, typed.id != 0
	case int64:
		return snowflake.ID(typed), true
	case snowflake.ID:
		return typed, true
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func OwnerKeyFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	o, ok := ctx.Value(OwnerContextKey{}).(owner)
	if !ok || o.key == "" {
		return "", false
	}
	return o.key, true
}
