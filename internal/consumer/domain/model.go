// Package domain defines consumers, the systems that hold entitlements.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TypeSystem      = "system"
	TypeHypervisor  = "hypervisor"
	TypeDistributor = "distributor"

	FactDevSKU      = "dev_sku"
	FactDevPlatform = "dev_platform"
)

type Consumer struct {
	ID        snowflake.ID      `json:"id" gorm:"primaryKey"`
	UUID      string            `json:"uuid" gorm:"type:text;not null;uniqueIndex:ux_consumers_uuid"`
	OwnerID   snowflake.ID      `json:"owner_id" gorm:"not null;index"`
	Name      string            `json:"name" gorm:"type:text;not null"`
	Type      string            `json:"type" gorm:"type:text;not null"`
	Facts     datatypes.JSONMap `json:"facts,omitempty" gorm:"type:jsonb"`
	HostID    *snowflake.ID     `json:"host_id,omitempty" gorm:"index"`
	CreatedAt time.Time         `json:"created" gorm:"not null"`
	UpdatedAt time.Time         `json:"updated" gorm:"not null"`
}

func (Consumer) TableName() string { return "consumers" }

func (c *Consumer) Fact(name string) string {
	if c.Facts == nil {
		return ""
	}
	if v, ok := c.Facts[name].(string); ok {
		return v
	}
	return ""
}

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, consumer *Consumer) error
	FindByUUID(ctx context.Context, uuid string) (*Consumer, error)
	FindByID(ctx context.Context, id snowflake.ID) (*Consumer, error)
	FindByIDs(ctx context.Context, ids []snowflake.ID) ([]Consumer, error)
	ListByOwner(ctx context.Context, ownerID snowflake.ID) ([]Consumer, error)
	SetHost(ctx context.Context, id snowflake.ID, hostID *snowflake.ID, at time.Time) error
}

type Service interface {
	Register(ctx context.Context, req RegisterRequest) (*Consumer, error)
	GetByUUID(ctx context.Context, uuid string) (*Consumer, error)
	GetByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Consumer, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]*Consumer, error)
	ListByOwner(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID) ([]Consumer, error)
	// MapGuest records that guest runs on host. An empty hostUUID clears the mapping.
	MapGuest(ctx context.Context, guestUUID, hostUUID string) (*Consumer, error)
}

type RegisterRequest struct {
	OwnerID snowflake.ID      `json:"-"`
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Facts   map[string]string `json:"facts"`
	// CreatedAt backdates registration; used when importing existing systems.
	CreatedAt *time.Time `json:"created,omitempty"`
}

var (
	ErrNotFound      = errors.New("consumer_not_found")
	ErrInvalidName   = errors.New("invalid_consumer_name")
	ErrInvalidType   = errors.New("invalid_consumer_type")
	ErrInvalidOwner  = errors.New("invalid_owner")
	ErrOwnerMismatch = errors.New("consumer_owner_mismatch")
)
