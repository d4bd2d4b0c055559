// Package domain defines refresh jobs and the orchestrator contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/poolsync/pkg/db/pagination"
	"gorm.io/datatypes"
)

const (
	StateCreated  = "CREATED"
	StateRunning  = "RUNNING"
	StateFinished = "FINISHED"
	StateFailed   = "FAILED"
)

// Job tracks one asynchronous owner refresh.
type Job struct {
	ID              string            `json:"id" gorm:"primaryKey;type:text"`
	OwnerKey        string            `json:"owner_key" gorm:"type:text;not null;index;uniqueIndex:ux_refresh_jobs_active,where:state <> 'FINISHED' AND state <> 'FAILED'"`
	State           string            `json:"state" gorm:"type:text;not null;index"`
	LazyRegen       bool              `json:"lazy_regen" gorm:"not null"`
	AutoCreateOwner bool              `json:"auto_create_owner" gorm:"not null"`
	ResultMessage   string            `json:"result,omitempty" gorm:"type:text"`
	Error           string            `json:"error,omitempty" gorm:"type:text"`
	Summary         datatypes.JSONMap `json:"summary,omitempty" gorm:"type:jsonb"`
	CreatedAt       time.Time         `json:"created_at" gorm:"not null"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at" gorm:"not null"`
}

func (Job) TableName() string { return "refresh_jobs" }

func (j *Job) Terminal() bool {
	return j.State == StateFinished || j.State == StateFailed
}

type Service interface {
	// Refresh enqueues a job when CreateJob is set and otherwise runs inline,
	// returning the completion message.
	Refresh(ctx context.Context, req RefreshRequest) (*RefreshResult, error)
	// RunOwner refreshes one owner synchronously under the owner lock.
	RunOwner(ctx context.Context, req RefreshRequest) (*Summary, error)
	Status(ctx context.Context, id string) (*Job, error)
	Cleanup(ctx context.Context, id string) error
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
	// FailStale marks jobs that have been RUNNING since before as FAILED.
	FailStale(ctx context.Context, before time.Time) (int64, error)
	// ListJobs pages an owner's jobs newest first.
	ListJobs(ctx context.Context, ownerKey string, page pagination.Pagination) ([]*Job, *pagination.PageInfo, error)
}

type RefreshRequest struct {
	OwnerKey        string
	CreateJob       bool
	AutoCreateOwner bool
	// LazyRegen defaults to the configured value when nil.
	LazyRegen *bool
}

type RefreshResult struct {
	Job     *Job   `json:"job,omitempty"`
	Message string `json:"message,omitempty"`
}

// Summary counts what one refresh changed.
type Summary struct {
	OwnerKey        string `json:"owner_key"`
	OwnerCreated    bool   `json:"owner_created"`
	Subscriptions   int    `json:"subscriptions"`
	ProductsCreated int    `json:"products_created"`
	ProductsReused  int    `json:"products_reused"`
	PoolsCreated    int    `json:"pools_created"`
	PoolsUpdated    int    `json:"pools_updated"`
	PoolsDeleted    int    `json:"pools_deleted"`
	PoolsChanged    int    `json:"pools_changed"`
	Revoked         int    `json:"entitlements_revoked"`
	Regenerated     int    `json:"certificates_regenerated"`
	ContentAccess   int    `json:"content_access_certificates"`
}

func (s *Summary) Map() datatypes.JSONMap {
	return datatypes.JSONMap{
		"owner_key":                   s.OwnerKey,
		"owner_created":               s.OwnerCreated,
		"subscriptions":               s.Subscriptions,
		"products_created":            s.ProductsCreated,
		"products_reused":             s.ProductsReused,
		"pools_created":               s.PoolsCreated,
		"pools_updated":               s.PoolsUpdated,
		"pools_deleted":               s.PoolsDeleted,
		"pools_changed":               s.PoolsChanged,
		"entitlements_revoked":        s.Revoked,
		"certificates_regenerated":    s.Regenerated,
		"content_access_certificates": s.ContentAccess,
	}
}

func RefreshedMessage(ownerKey string) string {
	return "Pools refreshed for owner: " + ownerKey
}

var (
	ErrJobNotFound       = errors.New("refresh_job_not_found")
	ErrRefreshInProgress = errors.New("refresh_in_progress")
	ErrQueueFull         = errors.New("refresh_queue_full")
	ErrInvalidOwnerKey   = errors.New("invalid_owner_key")
	ErrWorkersNotRunning = errors.New("refresh_workers_not_running")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
)
