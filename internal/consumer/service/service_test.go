package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/consumer/domain"
	"github.com/smallbiznis/poolsync/internal/consumer/repository"
	"github.com/smallbiznis/poolsync/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) domain.Service {
	t.Helper()
	db := dbtest.Open(t, &domain.Consumer{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Repo:  repository.NewRepository(db),
	})
}

func TestRegister(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	c, err := svc.Register(ctx, domain.RegisterRequest{OwnerID: 1, Name: "box", Facts: map[string]string{"dev_sku": "DEV1"}})
	require.NoError(t, err)
	assert.Equal(t, domain.TypeSystem, c.Type)
	assert.NotEmpty(t, c.UUID)
	assert.Equal(t, "DEV1", c.Fact(domain.FactDevSKU))

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	backdated, err := svc.Register(ctx, domain.RegisterRequest{OwnerID: 1, Name: "old", CreatedAt: &old})
	require.NoError(t, err)
	stored, err := svc.GetByUUID(ctx, backdated.UUID)
	require.NoError(t, err)
	assert.True(t, stored.CreatedAt.Equal(old))

	_, err = svc.Register(ctx, domain.RegisterRequest{OwnerID: 1, Name: "x", Type: "toaster"})
	assert.ErrorIs(t, err, domain.ErrInvalidType)
	_, err = svc.Register(ctx, domain.RegisterRequest{OwnerID: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidName)
	_, err = svc.Register(ctx, domain.RegisterRequest{Name: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)
	_, err = svc.GetByUUID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMapGuest(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	host, err := svc.Register(ctx, domain.RegisterRequest{OwnerID: 1, Name: "host", Type: domain.TypeHypervisor})
	require.NoError(t, err)
	guest, err := svc.Register(ctx, domain.RegisterRequest{OwnerID: 1, Name: "guest"})
	require.NoError(t, err)
	foreign, err := svc.Register(ctx, domain.RegisterRequest{OwnerID: 2, Name: "foreign"})
	require.NoError(t, err)

	mapped, err := svc.MapGuest(ctx, guest.UUID, host.UUID)
	require.NoError(t, err)
	require.NotNil(t, mapped.HostID)
	assert.Equal(t, host.ID, *mapped.HostID)

	stored, err := svc.GetByID(ctx, nil, guest.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.HostID)

	_, err = svc.MapGuest(ctx, foreign.UUID, host.UUID)
	assert.ErrorIs(t, err, domain.ErrOwnerMismatch)

	cleared, err := svc.MapGuest(ctx, guest.UUID, "")
	require.NoError(t, err)
	assert.Nil(t, cleared.HostID)

	byID, err := svc.GetByIDs(ctx, nil, []snowflake.ID{host.ID, guest.ID})
	require.NoError(t, err)
	assert.Len(t, byID, 2)

	list, err := svc.ListByOwner(ctx, nil, 1)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
