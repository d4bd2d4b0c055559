package migration

import (
	"strings"

	"github.com/smallbiznis/poolsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if isSQLite(cfg.DBType) {
			log.Info("auto-migrating sqlite schema", zap.String("db_type", cfg.DBType))
			return AutoMigrate(conn)
		}
		if !strings.EqualFold(cfg.DBType, "postgres") {
			log.Info("skipping migrations for database type", zap.String("db_type", cfg.DBType))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)

func isSQLite(dbType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(dbType)), "sqlite")
}
