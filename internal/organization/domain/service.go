package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	Create(ctx context.Context, req CreateOwnerRequest) (*Owner, error)
	GetByKey(ctx context.Context, key string) (*Owner, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Owner, error)
	// EnsureByKey returns the owner, creating it with defaults when autoCreate is set.
	EnsureByKey(ctx context.Context, key string, autoCreate bool) (*Owner, bool, error)
	List(ctx context.Context) ([]Owner, error)
	SetContentAccessMode(ctx context.Context, key, mode string) (*Owner, error)
	MarkRefreshed(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error
}

type CreateOwnerRequest struct {
	Key               string
	DisplayName       string
	ContentAccessMode string
}

type OwnerResponse struct {
	ID                    string     `json:"id"`
	Key                   string     `json:"key"`
	DisplayName           string     `json:"display_name"`
	Slug                  string     `json:"slug"`
	ContentAccessMode     string     `json:"content_access_mode"`
	ContentAccessModeList []string   `json:"content_access_mode_list"`
	LastRefreshedAt       *time.Time `json:"last_refreshed_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

func ToResponse(o *Owner) *OwnerResponse {
	if o == nil {
		return nil
	}
	return &OwnerResponse{
		ID:                    o.ID.String(),
		Key:                   o.Key,
		DisplayName:           o.DisplayName,
		Slug:                  o.Slug,
		ContentAccessMode:     o.ContentAccessMode,
		ContentAccessModeList: SplitModes(o.ContentAccessModeList),
		LastRefreshedAt:       o.LastRefreshedAt,
		CreatedAt:             o.CreatedAt,
	}
}

func SplitModes(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var (
	ErrNotFound                 = errors.New("owner_not_found")
	ErrInvalidKey               = errors.New("invalid_owner_key")
	ErrAlreadyExists            = errors.New("owner_already_exists")
	ErrInvalidContentAccessMode = errors.New("invalid_content_access_mode")
)
