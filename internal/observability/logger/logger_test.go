package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/poolsync/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-9")
	ctx = obscontext.WithOwnerKey(ctx, "acme")
	ctx = obscontext.WithJobID(ctx, "job-1")

	WithContext(ctx, base).Info("refresh.start")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-9", fields["request_id"])
		assert.Equal(t, "acme", fields["owner_key"])
		assert.Equal(t, "job-1", fields["job_id"])
		assert.Equal(t, "", fields["trace_id"])
	}
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.Equal(t, "INSERT", operationFromSQL("insert into pools values (1)"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestTableFromSQL(t *testing.T) {
	assert.Equal(t, "pools", tableFromSQL(`SELECT * FROM "pools" WHERE owner_id = 1`))
	assert.Equal(t, "refresh_jobs", tableFromSQL("INSERT INTO `refresh_jobs` (`id`) VALUES (?)"))
	assert.Equal(t, "entitlements", tableFromSQL(`UPDATE "entitlements" SET quantity = 1`))
	assert.Equal(t, "", tableFromSQL("SELECT 1"))
}

func TestGormLoggerConfigFrom(t *testing.T) {
	cfg := GormLoggerConfigFrom("INFO", 0)
	assert.Equal(t, gormlogger.Info, cfg.Level)
	assert.Equal(t, 200*time.Millisecond, cfg.SlowThreshold)
	assert.Equal(t, gormlogger.Warn, GormLoggerConfigFrom("bogus", time.Second).Level)
	assert.Equal(t, gormlogger.Silent, GormLoggerConfigFrom("silent", time.Second).Level)
}

func TestGormTraceSkipsRecordNotFound(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	l := NewGormLogger(GormLoggerConfigFrom("warn", time.Hour))
	sql := func() (string, int64) { return `SELECT * FROM "owners" WHERE key = 'x'`, 0 }
	ctx := obscontext.WithOwnerKey(context.Background(), "acme")

	l.Trace(ctx, time.Now(), sql, gormlogger.ErrRecordNotFound)
	assert.Empty(t, logs.All())

	l.Trace(ctx, time.Now(), sql, errors.New("boom"))
	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "owners", fields["table"])
		assert.Equal(t, "acme", fields["owner_key"])
	}
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "console", normalizeFormat(" Console "))
	assert.Equal(t, "json", normalizeFormat("logfmt"))
}
