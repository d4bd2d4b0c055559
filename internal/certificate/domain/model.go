// Package domain defines issued certificates and the serials that identify them.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	KindEntitlement   = "entitlement"
	KindContentAccess = "content_access"

	PayloadVersion = "3.4"
)

// Serial is allocated once per certificate and never reused. Revoked serials stay.
type Serial struct {
	ID         snowflake.ID `json:"serial" gorm:"primaryKey;autoIncrement:false"`
	Revoked    bool         `json:"revoked" gorm:"not null;default:false;index"`
	RevokedAt  *time.Time   `json:"revoked_at,omitempty"`
	Expiration time.Time    `json:"expiration"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null"`
}

func (Serial) TableName() string { return "certificate_serials" }

type Certificate struct {
	ID            snowflake.ID  `json:"id" gorm:"primaryKey"`
	OwnerID       snowflake.ID  `json:"owner_id" gorm:"not null;index"`
	ConsumerID    snowflake.ID  `json:"consumer_id" gorm:"not null;index"`
	EntitlementID *snowflake.ID `json:"entitlement_id,omitempty" gorm:"index"`
	Kind          string        `json:"kind" gorm:"type:text;not null"`
	SerialID      snowflake.ID  `json:"serial" gorm:"not null;uniqueIndex:ux_certificates_serial"`
	Fingerprint   string        `json:"-" gorm:"type:text;not null"`
	// Payload is the snappy-compressed JSON document.
	Payload   []byte    `json:"-" gorm:"not null"`
	Signature string    `json:"signature" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

func (Certificate) TableName() string { return "certificates" }

type Payload struct {
	Version   string           `json:"version"`
	Serial    string           `json:"serial"`
	Kind      string           `json:"kind"`
	Owner     PayloadOwner     `json:"owner"`
	Consumer  string           `json:"consumer"`
	Pool      *PayloadPool     `json:"pool,omitempty"`
	Quantity  int64            `json:"quantity"`
	Products  []PayloadProduct `json:"products"`
	Branding  []PayloadBrand   `json:"branding,omitempty"`
	IssuedAt  time.Time        `json:"issued"`
	ExpiresAt time.Time        `json:"expires,omitempty"`
}

type PayloadOwner struct {
	Key string `json:"key"`
}

type PayloadPool struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	ProductID      string    `json:"product_id"`
	ContractNumber string    `json:"contract,omitempty"`
	AccountNumber  string    `json:"account,omitempty"`
	OrderNumber    string    `json:"order,omitempty"`
	StartDate      time.Time `json:"start"`
	EndDate        time.Time `json:"end"`
}

type PayloadProduct struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Content []PayloadContent `json:"content"`
}

type PayloadContent struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type"`
	Name               string   `json:"name"`
	Label              string   `json:"label"`
	Vendor             string   `json:"vendor"`
	Path               string   `json:"path"`
	GPGURL             string   `json:"gpg_url,omitempty"`
	Enabled            bool     `json:"enabled"`
	MetadataExpire     *int64   `json:"metadata_expire,omitempty"`
	RequiredTags       []string `json:"required_tags,omitempty"`
	Arches             []string `json:"arches,omitempty"`
	ReleaseVersion     string   `json:"release_version,omitempty"`
	ModifiedProductIDs []string `json:"modified_product_ids,omitempty"`
}

type PayloadBrand struct {
	ProductID string `json:"product_id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
}

type Repository interface {
	InsertSerial(ctx context.Context, db *gorm.DB, serial *Serial) error
	RevokeSerials(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) error
	FindSerial(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Serial, error)
	Insert(ctx context.Context, db *gorm.DB, cert *Certificate) error
	DeleteByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error
	ListByEntitlement(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID) ([]Certificate, error)
	ListByConsumer(ctx context.Context, db *gorm.DB, consumerID snowflake.ID) ([]Certificate, error)
	ListContentAccess(ctx context.Context, db *gorm.DB, consumerID snowflake.ID) ([]Certificate, error)
}

type Service interface {
	Issue(ctx context.Context, tx *gorm.DB, req IssueRequest) (*Certificate, error)
	// RevokeEntitlement invalidates every certificate of an entitlement.
	RevokeEntitlement(ctx context.Context, tx *gorm.DB, entitlementID snowflake.ID) (int, error)
	RevokeContentAccess(ctx context.Context, tx *gorm.DB, consumerID snowflake.ID) (int, error)
	ListByEntitlement(ctx context.Context, tx *gorm.DB, entitlementID snowflake.ID) ([]Certificate, error)
	ListByConsumer(ctx context.Context, tx *gorm.DB, consumerID snowflake.ID) ([]Certificate, error)
	ContentAccess(ctx context.Context, tx *gorm.DB, consumerID snowflake.ID) (*Certificate, error)
	Decode(cert *Certificate) (*Payload, error)
	Verify(cert *Certificate) error
	SerialRevoked(ctx context.Context, serial snowflake.ID) (bool, error)
}

type IssueRequest struct {
	OwnerID       snowflake.ID
	ConsumerID    snowflake.ID
	EntitlementID *snowflake.ID
	Kind          string
	Fingerprint   string
	Payload       *Payload
	ExpiresAt     time.Time
}

type CertificateResponse struct {
	ID            string   `json:"id"`
	Serial        string   `json:"serial"`
	Kind          string   `json:"kind"`
	EntitlementID *string  `json:"entitlement_id,omitempty"`
	Payload       *Payload `json:"payload"`
	Signature     string   `json:"signature"`
}

var (
	ErrNotFound         = errors.New("certificate_not_found")
	ErrInvalidKind      = errors.New("invalid_certificate_kind")
	ErrInvalidSignature = errors.New("invalid_certificate_signature")
	ErrMissingPayload   = errors.New("missing_certificate_payload")
)
