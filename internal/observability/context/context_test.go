package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithRequestID(ctx, " req-1 ")
	ctx = WithOwnerKey(ctx, "acme")
	ctx = WithActor(ctx, "system", "scheduler")
	ctx = WithJobID(ctx, "01J0")

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "acme", OwnerKeyFromContext(ctx))
	actorType, actorID := ActorFromContext(ctx)
	assert.Equal(t, "system", actorType)
	assert.Equal(t, "scheduler", actorID)
	assert.Equal(t, "01J0", JobIDFromContext(ctx))
}

func TestEmptyValuesAreIgnored(t *testing.T) {
	ctx := WithOwnerKey(context.Background(), "acme")
	ctx = WithOwnerKey(ctx, "   ")
	assert.Equal(t, "acme", OwnerKeyFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
}
