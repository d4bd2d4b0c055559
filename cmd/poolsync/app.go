package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/authorization"
	"github.com/smallbiznis/poolsync/internal/certificate"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/config"
	"github.com/smallbiznis/poolsync/internal/consumer"
	"github.com/smallbiznis/poolsync/internal/entitlement"
	"github.com/smallbiznis/poolsync/internal/events"
	"github.com/smallbiznis/poolsync/internal/migration"
	"github.com/smallbiznis/poolsync/internal/observability"
	"github.com/smallbiznis/poolsync/internal/organization"
	"github.com/smallbiznis/poolsync/internal/pool"
	"github.com/smallbiznis/poolsync/internal/product"
	"github.com/smallbiznis/poolsync/internal/refresh"
	"github.com/smallbiznis/poolsync/internal/upstream/connector"
	"github.com/smallbiznis/poolsync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// coreModules wires everything a refresh needs. Entry points add the HTTP
// server and scheduler on top.
func coreModules() fx.Option {
	return fx.Options(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		events.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		// Functional Domains
		connector.Module,
		organization.Module,
		product.Module,
		pool.Module,
		consumer.Module,
		certificate.Module,
		entitlement.Module,
		refresh.Module,
		authorization.Module,
	)
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
