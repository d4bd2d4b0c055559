package connector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/smallbiznis/poolsync/internal/config"
	"github.com/smallbiznis/poolsync/internal/upstream/httpclient"
	"github.com/smallbiznis/poolsync/internal/upstream/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPConnectorWhenURLConfigured(t *testing.T) {
	conn, err := New(config.Config{UpstreamURL: "http://upstream.local"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &httpclient.Client{}, conn)
}

func TestMemoryConnectorLoadsFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"s1","owner_key":"acme","quantity":2,"product":{"id":"SKU1"}}]`), 0o600))

	conn, err := New(config.Config{UpstreamFixture: path}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &memory.Connector{}, conn)

	subs, err := conn.ListSubscriptions(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "SKU1", subs[0].Product.ID)
}

func TestMissingFixtureFails(t *testing.T) {
	_, err := New(config.Config{UpstreamFixture: filepath.Join(t.TempDir(), "missing.json")}, zap.NewNop())
	assert.Error(t, err)
}

func TestEmptyMemoryConnector(t *testing.T) {
	conn, err := New(config.Config{}, zap.NewNop())
	require.NoError(t, err)

	subs, err := conn.ListSubscriptions(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
