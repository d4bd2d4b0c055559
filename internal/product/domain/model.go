// Package domain holds canonical product and content records shared across
// owners, and the per-owner mappings that point at them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Product is an immutable canonical product definition. Two owners with
// identical upstream definitions reference the same row.
type Product struct {
	ID               snowflake.ID                  `json:"uuid" gorm:"primaryKey"`
	Fingerprint      string                        `json:"fingerprint" gorm:"type:text;not null;uniqueIndex:ux_products_fingerprint"`
	ProductID        string                        `json:"id" gorm:"column:product_id;type:text;not null;index"`
	Name             string                        `json:"name" gorm:"type:text;not null"`
	Multiplier       *int64                        `json:"multiplier,omitempty"`
	Attributes       datatypes.JSONMap             `json:"attributes,omitempty" gorm:"type:jsonb"`
	DerivedProductID *snowflake.ID                 `json:"derived_product_uuid,omitempty" gorm:"index"`
	Branding         datatypes.JSONSlice[Branding] `json:"branding,omitempty" gorm:"type:jsonb"`
	CreatedAt        time.Time                     `json:"created_at" gorm:"not null"`
	// LastUsedAt moves whenever a refresh maps the row; orphan cleanup keys off it.
	LastUsedAt time.Time `json:"-" gorm:"not null;index"`
}

func (Product) TableName() string { return "products" }

// Attribute returns the string value of a product attribute.
func (p *Product) Attribute(name string) (string, bool) {
	if p == nil || p.Attributes == nil {
		return "", false
	}
	v, ok := p.Attributes[name]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

type Branding struct {
	ProductID string `json:"product_id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
}

// ProvidedProduct links a canonical product to one of its provided products.
type ProvidedProduct struct {
	ProductID  snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	ProvidedID snowflake.ID `gorm:"primaryKey;autoIncrement:false;index"`
}

func (ProvidedProduct) TableName() string { return "product_provided_products" }

// ProductContent links a canonical product to a canonical content.
type ProductContent struct {
	ProductID snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	ContentID snowflake.ID `gorm:"primaryKey;autoIncrement:false;index"`
	Enabled   bool         `gorm:"not null"`
}

func (ProductContent) TableName() string { return "product_contents" }

type Content struct {
	ID                 snowflake.ID                `json:"uuid" gorm:"primaryKey"`
	Fingerprint        string                      `json:"fingerprint" gorm:"type:text;not null;uniqueIndex:ux_contents_fingerprint"`
	ContentID          string                      `json:"id" gorm:"column:content_id;type:text;not null;index"`
	Type               string                      `json:"type" gorm:"type:text"`
	Label              string                      `json:"label" gorm:"type:text"`
	Name               string                      `json:"name" gorm:"type:text"`
	Vendor             string                      `json:"vendor" gorm:"type:text"`
	ContentURL         string                      `json:"content_url" gorm:"column:content_url;type:text"`
	GPGURL             string                      `json:"gpg_url,omitempty" gorm:"column:gpg_url;type:text"`
	RequiredTags       string                      `json:"required_tags,omitempty" gorm:"type:text"`
	ReleaseVersion     string                      `json:"release_version,omitempty" gorm:"type:text"`
	Arches             string                      `json:"arches,omitempty" gorm:"type:text"`
	MetadataExpire     *int64                      `json:"metadata_expire,omitempty"`
	ModifiedProductIDs datatypes.JSONSlice[string] `json:"modified_product_ids,omitempty" gorm:"type:jsonb"`
	CreatedAt          time.Time                   `json:"created_at" gorm:"not null"`
	LastUsedAt         time.Time                   `json:"-" gorm:"not null;index"`
}

func (Content) TableName() string { return "contents" }

// OwnerProduct maps an owner's upstream product id to the canonical row it
// currently resolves to.
type OwnerProduct struct {
	OwnerID     snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	ProductID   string       `gorm:"primaryKey;column:product_id;type:text"`
	CanonicalID snowflake.ID `gorm:"not null;index"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

func (OwnerProduct) TableName() string { return "owner_products" }

type OwnerContent struct {
	OwnerID     snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	ContentID   string       `gorm:"primaryKey;column:content_id;type:text"`
	CanonicalID snowflake.ID `gorm:"not null;index"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

func (OwnerContent) TableName() string { return "owner_contents" }

// Models lists every table owned by this package.
func Models() []any {
	return []any{&Product{}, &ProvidedProduct{}, &ProductContent{}, &Content{}, &OwnerProduct{}, &OwnerContent{}}
}
