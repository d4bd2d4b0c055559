package orgcontext

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
)

func TestOwnerRoundTrip(t *testing.T) {
	ctx := WithOwner(context.Background(), snowflake.ID(42), " acme ")

	id, ok := OwnerIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(42), id)

	key, ok := OwnerKeyFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "acme", key)
}

func TestOwnerMissing(t *testing.T) {
	_, ok := OwnerIDFromContext(context.Background())
	assert.False(t, ok)
	_, ok = OwnerKeyFromContext(context.Background())
	assert.False(t, ok)

	ctx := context.WithValue(context.Background(), OwnerContextKey{}, "17")
	id, ok := OwnerIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(17), id)
}
