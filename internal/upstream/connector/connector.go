// Package connector selects the upstream subscription source for the process.
package connector

import (
	"fmt"
	"os"

	"github.com/smallbiznis/poolsync/internal/config"
	"github.com/smallbiznis/poolsync/internal/upstream"
	"github.com/smallbiznis/poolsync/internal/upstream/httpclient"
	"github.com/smallbiznis/poolsync/internal/upstream/memory"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("upstream.connector",
	fx.Provide(New),
)

// New returns the HTTP connector when UPSTREAM_URL is set. Otherwise an
// in-memory connector is used, seeded from UPSTREAM_FIXTURE when present.
func New(cfg config.Config, log *zap.Logger) (upstream.Connector, error) {
	log = log.Named("upstream.connector")
	if cfg.UpstreamURL != "" {
		log.Info("using http upstream", zap.String("url", cfg.UpstreamURL))
		client, err := httpclient.New(httpclient.Config{
			BaseURL: cfg.UpstreamURL,
			Token:   cfg.UpstreamToken,
			Timeout: cfg.UpstreamTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	mem, err := memory.New()
	if err != nil {
		return nil, err
	}
	if cfg.UpstreamFixture == "" {
		log.Warn("no upstream configured, serving an empty in-memory catalog")
		return mem, nil
	}

	f, err := os.Open(cfg.UpstreamFixture)
	if err != nil {
		return nil, fmt.Errorf("open upstream fixture: %w", err)
	}
	defer f.Close()
	n, err := mem.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load upstream fixture: %w", err)
	}
	log.Info("loaded upstream fixture", zap.String("path", cfg.UpstreamFixture), zap.Int("subscriptions", n))
	return mem, nil
}
