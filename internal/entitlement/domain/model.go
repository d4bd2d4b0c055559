// Package domain defines entitlements: quantities of a pool consumed by a consumer.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	orgdomain "github.com/smallbiznis/poolsync/internal/organization/domain"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	"gorm.io/gorm"
)

type Entitlement struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	OwnerID    snowflake.ID `json:"owner_id" gorm:"not null;index"`
	PoolID     snowflake.ID `json:"pool_id" gorm:"not null;index"`
	ConsumerID snowflake.ID `json:"consumer_id" gorm:"not null;index"`
	Quantity   int64        `json:"quantity" gorm:"not null"`
	// CertFingerprint is the pool SourceFingerprint the current certificate was built from.
	CertFingerprint string    `json:"-" gorm:"type:text;not null"`
	CreatedAt       time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, ent *Entitlement) error
	UpdateFingerprint(ctx context.Context, db *gorm.DB, id snowflake.ID, fingerprint string, at time.Time) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entitlement, error)
	// ListByPool returns entitlements oldest first.
	ListByPool(ctx context.Context, db *gorm.DB, poolID snowflake.ID) ([]Entitlement, error)
	ListByConsumer(ctx context.Context, db *gorm.DB, consumerID snowflake.ID) ([]Entitlement, error)
	SumByPool(ctx context.Context, db *gorm.DB, poolID snowflake.ID) (int64, error)
	SumByPoolForConsumerType(ctx context.Context, db *gorm.DB, poolID snowflake.ID, consumerType string) (int64, error)
	ExistsWithHostedConsumer(ctx context.Context, db *gorm.DB, poolID snowflake.ID) (bool, error)
}

type Service interface {
	pooldomain.Consumption

	Consume(ctx context.Context, req ConsumeRequest) (*Entitlement, error)
	// ConsumeDevSKU attaches the consumer to a fresh development pool for its dev_sku fact.
	ConsumeDevSKU(ctx context.Context, consumerUUID string) (*Entitlement, error)
	Get(ctx context.Context, id snowflake.ID) (*Entitlement, error)
	ListByConsumer(ctx context.Context, consumerUUID string) ([]Entitlement, error)
	ListByPool(ctx context.Context, poolID snowflake.ID) ([]Entitlement, error)
	Revoke(ctx context.Context, id snowflake.ID) error

	// Reconcile reissues certificates of entitlements on pools whose snapshot
	// no longer matches the certificate, or of every entitlement when Force is set.
	Reconcile(ctx context.Context, tx *gorm.DB, req ReconcileRequest) (int, error)
	// ReconcileContentAccess keeps one content-access certificate per consumer
	// of an org_environment owner and removes them for any other mode.
	ReconcileContentAccess(ctx context.Context, tx *gorm.DB, req ContentAccessRequest) (int, error)
}

type ConsumeRequest struct {
	ConsumerUUID string       `json:"consumer_uuid"`
	PoolID       snowflake.ID `json:"pool_id"`
	Quantity     int64        `json:"quantity"`
}

type ReconcileRequest struct {
	OwnerKey string
	Pools    []*pooldomain.Pool
	Force    bool
}

type ContentAccessRequest struct {
	Owner *orgdomain.Owner
	Pools []*pooldomain.Pool
	Force bool
}

type EntitlementResponse struct {
	ID         string    `json:"id"`
	PoolID     string    `json:"pool_id"`
	ConsumerID string    `json:"consumer_id"`
	Quantity   int64     `json:"quantity"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func ToResponse(e *Entitlement) EntitlementResponse {
	return EntitlementResponse{
		ID:         e.ID.String(),
		PoolID:     e.PoolID.String(),
		ConsumerID: e.ConsumerID.String(),
		Quantity:   e.Quantity,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

var (
	ErrNotFound             = errors.New("entitlement_not_found")
	ErrInvalidQuantity      = errors.New("invalid_quantity")
	ErrInsufficientQuantity = errors.New("insufficient_pool_quantity")
	ErrForbidden            = errors.New("entitlement_forbidden")
	ErrNoDevSKU             = errors.New("consumer_has_no_dev_sku")
	ErrPoolInactive         = errors.New("pool_not_active")
)

// ExpiredError is returned when a development SKU can no longer be attached.
type ExpiredError struct {
	ProductID string
	ExpiredOn time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("Unable to attach subscription for the product %q: Subscriptions for %s expired on: %s",
		e.ProductID, e.ProductID, e.ExpiredOn.UTC().Format(time.RFC3339))
}

func (e *ExpiredError) Unwrap() error { return ErrForbidden }
