package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	certdomain "github.com/smallbiznis/poolsync/internal/certificate/domain"
	consumerdomain "github.com/smallbiznis/poolsync/internal/consumer/domain"
	entdomain "github.com/smallbiznis/poolsync/internal/entitlement/domain"
	"github.com/smallbiznis/poolsync/internal/events"
	orgdomain "github.com/smallbiznis/poolsync/internal/organization/domain"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	refreshdomain "github.com/smallbiznis/poolsync/internal/refresh/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded postgres schema. It is safe to call on
// every start.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	source, err := newSource()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

func newSource() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return src, nil
}

// AutoMigrate creates the schema from the gorm models. Used for the sqlite
// dialects, which the SQL files do not target.
func AutoMigrate(db *gorm.DB) error {
	models := append(productdomain.Models(),
		&orgdomain.Owner{},
		&pooldomain.Pool{},
		&consumerdomain.Consumer{},
		&entdomain.Entitlement{},
		&certdomain.Serial{},
		&certdomain.Certificate{},
		&events.ReconcileEvent{},
		&refreshdomain.Job{},
	)
	return db.AutoMigrate(models...)
}
