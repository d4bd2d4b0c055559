package main

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/smallbiznis/poolsync/internal/config"
	"github.com/smallbiznis/poolsync/internal/migration"
	"github.com/smallbiznis/poolsync/pkg/db"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(config.Load())
		},
	}
}

func runMigrate(cfg config.Config) error {
	dbCfg := db.ConfigFrom(cfg)
	if !strings.EqualFold(dbCfg.Type, "postgres") {
		dialector, err := db.Dialect(dbCfg)
		if err != nil {
			return err
		}
		conn, err := gorm.Open(dialector, &gorm.Config{})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		return migration.AutoMigrate(conn)
	}

	sqlDB, err := sql.Open("postgres", dbCfg.PostgresDSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer sqlDB.Close()

	if err := migration.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}
