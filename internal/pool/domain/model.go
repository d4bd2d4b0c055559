// Package domain defines pools, the consumable units derived from subscriptions.
package domain

import (
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	"gorm.io/datatypes"
)

const (
	TypeNormal        = "NORMAL"
	TypeBonus         = "BONUS"
	TypeUnmappedGuest = "UNMAPPED_GUEST"
	TypeDevelopment   = "DEVELOPMENT"

	SubKeyMaster  = "master"
	SubKeyDerived = "derived"

	// Unlimited marks a pool quantity that is never exhausted.
	Unlimited int64 = -1
)

const (
	AttrVirtOnly           = "virt_only"
	AttrDerivedPool        = "pool_derived"
	AttrPhysicalOnly       = "physical_only"
	AttrUnmappedGuestsOnly = "unmapped_guests_only"
	AttrVirtLimit          = "virt_limit"
	AttrDevPool            = "dev_pool"
	AttrRequiresConsumer   = "requires_consumer"
)

// ProductRef is the pool's snapshot of one product it grants.
type ProductRef struct {
	ProductID   string       `json:"product_id"`
	ProductUUID snowflake.ID `json:"product_uuid"`
	Name        string       `json:"name"`
}

type Pool struct {
	ID                      snowflake.ID                                `json:"id" gorm:"primaryKey"`
	OwnerID                 snowflake.ID                                `json:"owner_id" gorm:"not null;index:ix_pools_owner_subscription,priority:1"`
	SubscriptionID          *string                                     `json:"subscription_id,omitempty" gorm:"type:text;index:ix_pools_owner_subscription,priority:2;index:ix_pools_subscription_id"`
	SubscriptionSubKey      *string                                     `json:"subscription_sub_key,omitempty" gorm:"type:text"`
	Type                    string                                      `json:"type" gorm:"type:text;not null"`
	ProductID               string                                      `json:"product_id" gorm:"type:text;not null;index"`
	ProductUUID             snowflake.ID                                `json:"product_uuid" gorm:"not null"`
	ProductName             string                                      `json:"product_name" gorm:"type:text"`
	ProvidedProducts        datatypes.JSONSlice[ProductRef]             `json:"provided_products" gorm:"type:jsonb"`
	DerivedProductID        *string                                     `json:"derived_product_id,omitempty" gorm:"type:text"`
	DerivedProductUUID      *snowflake.ID                               `json:"derived_product_uuid,omitempty"`
	DerivedProvidedProducts datatypes.JSONSlice[ProductRef]             `json:"derived_provided_products" gorm:"type:jsonb"`
	Quantity                int64                                       `json:"quantity" gorm:"not null"`
	StartDate               time.Time                                   `json:"start_date"`
	EndDate                 time.Time                                   `json:"end_date"`
	ContractNumber          string                                      `json:"contract_number,omitempty" gorm:"type:text"`
	AccountNumber           string                                      `json:"account_number,omitempty" gorm:"type:text"`
	OrderNumber             string                                      `json:"order_number,omitempty" gorm:"type:text"`
	Attributes              datatypes.JSONMap                           `json:"attributes,omitempty" gorm:"type:jsonb"`
	Branding                datatypes.JSONSlice[productdomain.Branding] `json:"branding" gorm:"type:jsonb"`
	RequiresConsumer        *string                                     `json:"requires_consumer,omitempty" gorm:"type:text;index"`
	SourceFingerprint       string                                      `json:"-" gorm:"type:text;not null"`
	CreatedAt               time.Time                                   `json:"created_at" gorm:"not null"`
	UpdatedAt               time.Time                                   `json:"updated_at" gorm:"not null"`
}

func (Pool) TableName() string { return "pools" }

func (p *Pool) Unlimited() bool { return p.Quantity == Unlimited }

// Derived reports whether the pool was cloned from a master pool for guests.
func (p *Pool) Derived() bool {
	return p.Type == TypeBonus || p.Type == TypeUnmappedGuest
}

func (p *Pool) Attribute(name string) string {
	if p.Attributes == nil {
		return ""
	}
	if v, ok := p.Attributes[name].(string); ok {
		return v
	}
	return ""
}

// Provides reports whether the pool grants productID directly or as a provided product.
func (p *Pool) Provides(productID string) bool {
	if p.ProductID == productID {
		return true
	}
	for _, ref := range p.ProvidedProducts {
		if ref.ProductID == productID {
			return true
		}
	}
	return false
}

// References reports whether productID appears anywhere in the pool snapshot.
func (p *Pool) References(productID string) bool {
	if p.Provides(productID) {
		return true
	}
	if p.DerivedProductID != nil && *p.DerivedProductID == productID {
		return true
	}
	for _, ref := range p.DerivedProvidedProducts {
		if ref.ProductID == productID {
			return true
		}
	}
	return false
}

// ProductUUIDs returns the canonical product ids whose content the pool grants.
func (p *Pool) ProductUUIDs() []snowflake.ID {
	ids := []snowflake.ID{p.ProductUUID}
	for _, ref := range p.ProvidedProducts {
		ids = append(ids, ref.ProductUUID)
	}
	return ids
}

type PoolResponse struct {
	ID                      string                   `json:"id"`
	OwnerID                 string                   `json:"owner_id"`
	SubscriptionID          *string                  `json:"subscription_id,omitempty"`
	SubscriptionSubKey      *string                  `json:"subscription_sub_key,omitempty"`
	Type                    string                   `json:"type"`
	ProductID               string                   `json:"product_id"`
	ProductName             string                   `json:"product_name"`
	ProvidedProducts        []ProductRef             `json:"provided_products"`
	DerivedProductID        *string                  `json:"derived_product_id,omitempty"`
	DerivedProvidedProducts []ProductRef             `json:"derived_provided_products"`
	Quantity                int64                    `json:"quantity"`
	StartDate               time.Time                `json:"start_date"`
	EndDate                 time.Time                `json:"end_date"`
	ContractNumber          string                   `json:"contract_number,omitempty"`
	AccountNumber           string                   `json:"account_number,omitempty"`
	OrderNumber             string                   `json:"order_number,omitempty"`
	Attributes              map[string]any           `json:"attributes,omitempty"`
	Branding                []productdomain.Branding `json:"branding"`
	CreatedAt               time.Time                `json:"created_at"`
	UpdatedAt               time.Time                `json:"updated_at"`
}

func ToResponse(p *Pool) PoolResponse {
	return PoolResponse{
		ID:                      p.ID.String(),
		OwnerID:                 p.OwnerID.String(),
		SubscriptionID:          p.SubscriptionID,
		SubscriptionSubKey:      p.SubscriptionSubKey,
		Type:                    p.Type,
		ProductID:               p.ProductID,
		ProductName:             p.ProductName,
		ProvidedProducts:        nonNilRefs(p.ProvidedProducts),
		DerivedProductID:        p.DerivedProductID,
		DerivedProvidedProducts: nonNilRefs(p.DerivedProvidedProducts),
		Quantity:                p.Quantity,
		StartDate:               p.StartDate,
		EndDate:                 p.EndDate,
		ContractNumber:          p.ContractNumber,
		AccountNumber:           p.AccountNumber,
		OrderNumber:             p.OrderNumber,
		Attributes:              p.Attributes,
		Branding:                append([]productdomain.Branding{}, p.Branding...),
		CreatedAt:               p.CreatedAt,
		UpdatedAt:               p.UpdatedAt,
	}
}

func nonNilRefs(refs []ProductRef) []ProductRef {
	return append([]ProductRef{}, refs...)
}

// FormatQuantity renders a quantity for logs and events.
func FormatQuantity(q int64) string {
	if q == Unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(q, 10)
}
