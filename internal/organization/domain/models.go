// Package domain contains persistence models for the owner service.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	ContentAccessModeEntitlement    = "entitlement"
	ContentAccessModeOrgEnvironment = "org_environment"

	DefaultContentAccessModeList = ContentAccessModeEntitlement + "," + ContentAccessModeOrgEnvironment
)

// Owner is the isolation boundary for subscriptions, pools and consumers.
type Owner struct {
	ID                    snowflake.ID `gorm:"primaryKey" json:"id"`
	Key                   string       `gorm:"type:text;not null;uniqueIndex:ux_owners_key" json:"key"`
	DisplayName           string       `gorm:"type:text;not null" json:"display_name"`
	Slug                  string       `gorm:"type:text;not null" json:"slug"`
	ContentAccessMode     string       `gorm:"type:text;not null" json:"content_access_mode"`
	ContentAccessModeList string       `gorm:"type:text;not null" json:"content_access_mode_list"`
	LastRefreshedAt       *time.Time   `json:"last_refreshed_at"`
	CreatedAt             time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Owner) TableName() string { return "owners" }

// OrgEnvironment reports whether consumers receive owner-wide content access certificates.
func (o *Owner) OrgEnvironment() bool {
	return o != nil && o.ContentAccessMode == ContentAccessModeOrgEnvironment
}
