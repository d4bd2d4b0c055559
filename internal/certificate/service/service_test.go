package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/certificate/domain"
	"github.com/smallbiznis/poolsync/internal/certificate/repository"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/config"
	"github.com/smallbiznis/poolsync/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) domain.Service {
	t.Helper()
	db := dbtest.Open(t, &domain.Serial{}, &domain.Certificate{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		Config: config.Config{CertSigningSecret: "test-secret"},
		GenID:  node,
		Clock:  clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Repo:   repository.Provide(),
	})
}

func TestSignerRoundTrip(t *testing.T) {
	signer := NewSigner("k1")
	payload := &domain.Payload{Version: domain.PayloadVersion, Consumer: "c-1", Products: []domain.PayloadProduct{{ID: "ENG1"}}}

	stored, sig, err := signer.Seal(payload)
	require.NoError(t, err)

	opened, err := signer.Open(stored, sig)
	require.NoError(t, err)
	assert.Equal(t, "c-1", opened.Consumer)
	assert.Equal(t, "ENG1", opened.Products[0].ID)

	_, err = NewSigner("k2").Open(stored, sig)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = signer.Open([]byte("not snappy"), sig)
	assert.Error(t, err)
}

func TestIssueAndRevoke(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	entID := snowflake.ID(77)

	first, err := svc.Issue(ctx, nil, domain.IssueRequest{
		OwnerID:       1,
		ConsumerID:    2,
		EntitlementID: &entID,
		Kind:          domain.KindEntitlement,
		Fingerprint:   "fp-1",
		Payload:       &domain.Payload{Version: domain.PayloadVersion, Products: []domain.PayloadProduct{}},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Verify(first))

	payload, err := svc.Decode(first)
	require.NoError(t, err)
	assert.Equal(t, first.SerialID.String(), payload.Serial)

	n, err := svc.RevokeEntitlement(ctx, nil, entID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	revoked, err := svc.SerialRevoked(ctx, first.SerialID)
	require.NoError(t, err)
	assert.True(t, revoked)

	second, err := svc.Issue(ctx, nil, domain.IssueRequest{
		OwnerID:       1,
		ConsumerID:    2,
		EntitlementID: &entID,
		Kind:          domain.KindEntitlement,
		Fingerprint:   "fp-2",
		Payload:       &domain.Payload{Version: domain.PayloadVersion},
	})
	require.NoError(t, err)
	assert.Greater(t, second.SerialID.Int64(), first.SerialID.Int64())

	certs, err := svc.ListByEntitlement(ctx, nil, entID)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, second.ID, certs[0].ID)

	_, err = svc.Issue(ctx, nil, domain.IssueRequest{Kind: "bogus", Payload: &domain.Payload{}})
	assert.ErrorIs(t, err, domain.ErrInvalidKind)
	_, err = svc.Issue(ctx, nil, domain.IssueRequest{Kind: domain.KindEntitlement})
	assert.ErrorIs(t, err, domain.ErrMissingPayload)
}

func TestContentAccessCertificates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ContentAccess(ctx, nil, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	cert, err := svc.Issue(ctx, nil, domain.IssueRequest{
		OwnerID:    1,
		ConsumerID: 5,
		Kind:       domain.KindContentAccess,
		Payload:    &domain.Payload{Version: domain.PayloadVersion},
	})
	require.NoError(t, err)

	found, err := svc.ContentAccess(ctx, nil, 5)
	require.NoError(t, err)
	assert.Equal(t, cert.ID, found.ID)

	resp, err := ToResponse(svc, found)
	require.NoError(t, err)
	assert.Equal(t, domain.KindContentAccess, resp.Kind)
	assert.Nil(t, resp.EntitlementID)

	n, err := svc.RevokeContentAccess(ctx, nil, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	all, err := svc.ListByConsumer(ctx, nil, 5)
	require.NoError(t, err)
	assert.Empty(t, all)
}
