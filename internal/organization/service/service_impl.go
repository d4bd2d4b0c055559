package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/events"
	"github.com/smallbiznis/poolsync/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Publisher events.Publisher
}

type service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	publisher events.Publisher
}

func NewService(p Params) domain.Service {
	return &service{
		db:        p.DB,
		log:       p.Log.Named("organization.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		publisher: p.Publisher,
	}
}

func (s *service) Create(ctx context.Context, req domain.CreateOwnerRequest) (*domain.Owner, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return nil, domain.ErrInvalidKey
	}

	mode := strings.TrimSpace(req.ContentAccessMode)
	if mode == "" {
		mode = domain.ContentAccessModeEntitlement
	}
	if !modeAllowed(domain.DefaultContentAccessModeList, mode) {
		return nil, domain.ErrInvalidContentAccessMode
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = key
	}

	now := s.clock.Now()
	owner := &domain.Owner{
		ID:                    s.genID.Generate(),
		Key:                   key,
		DisplayName:           displayName,
		Slug:                  slug.Make(displayName),
		ContentAccessMode:     mode,
		ContentAccessModeList: domain.DefaultContentAccessModeList,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.WithTx(tx).Insert(ctx, owner)
		if err != nil {
			return err
		}
		created = inserted
		if !inserted {
			return nil
		}
		return s.publisher.Publish(ctx, tx, events.Event{
			OwnerID:     owner.ID,
			Topic:       events.TopicOwnerCreated,
			AggregateID: owner.ID.String(),
			Payload: map[string]any{
				"key":                 owner.Key,
				"content_access_mode": owner.ContentAccessMode,
				"created_at":          owner.CreatedAt.Format(time.RFC3339),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, domain.ErrAlreadyExists
	}

	s.log.Info("owner created", zap.String("owner_key", owner.Key), zap.String("owner_id", owner.ID.String()))
	return owner, nil
}

func (s *service) GetByKey(ctx context.Context, key string) (*domain.Owner, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrInvalidKey
	}
	owner, err := s.repo.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, domain.ErrNotFound
	}
	return owner, nil
}

func (s *service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Owner, error) {
	owner, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, domain.ErrNotFound
	}
	return owner, nil
}

func (s *service) EnsureByKey(ctx context.Context, key string, autoCreate bool) (*domain.Owner, bool, error) {
	owner, err := s.GetByKey(ctx, key)
	if err == nil {
		return owner, false, nil
	}
	if err != domain.ErrNotFound || !autoCreate {
		return nil, false, err
	}

	owner, err = s.Create(ctx, domain.CreateOwnerRequest{Key: key})
	switch err {
	case nil:
		return owner, true, nil
	case domain.ErrAlreadyExists:
		// lost the race against a concurrent auto-create
		owner, err = s.GetByKey(ctx, key)
		return owner, false, err
	default:
		return nil, false, err
	}
}

func (s *service) List(ctx context.Context) ([]domain.Owner, error) {
	return s.repo.List(ctx)
}

func (s *service) SetContentAccessMode(ctx context.Context, key, mode string) (*domain.Owner, error) {
	owner, err := s.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	mode = strings.TrimSpace(mode)
	if !modeAllowed(owner.ContentAccessModeList, mode) {
		return nil, domain.ErrInvalidContentAccessMode
	}
	now := s.clock.Now()
	if err := s.repo.UpdateContentAccessMode(ctx, owner.ID, mode, now); err != nil {
		return nil, err
	}
	owner.ContentAccessMode = mode
	owner.UpdatedAt = now
	return owner, nil
}

func (s *service) MarkRefreshed(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	return s.repo.WithTx(tx).MarkRefreshed(ctx, id, at)
}

func modeAllowed(list, mode string) bool {
	for _, m := range domain.SplitModes(list) {
		if m == mode {
			return true
		}
	}
	return false
}
