package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/consumer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &service{
		db:    p.DB,
		log:   p.Log.Named("consumer.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *service) Register(ctx context.Context, req domain.RegisterRequest) (*domain.Consumer, error) {
	if req.OwnerID == 0 {
		return nil, domain.ErrInvalidOwner
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	consumerType := strings.ToLower(strings.TrimSpace(req.Type))
	if consumerType == "" {
		consumerType = domain.TypeSystem
	}
	switch consumerType {
	case domain.TypeSystem, domain.TypeHypervisor, domain.TypeDistributor:
	default:
		return nil, domain.ErrInvalidType
	}

	now := s.clock.Now()
	created := now
	if req.CreatedAt != nil && !req.CreatedAt.IsZero() {
		created = req.CreatedAt.UTC()
	}

	facts := datatypes.JSONMap{}
	for k, v := range req.Facts {
		facts[k] = v
	}

	consumer := &domain.Consumer{
		ID:        s.genID.Generate(),
		UUID:      uuid.NewString(),
		OwnerID:   req.OwnerID,
		Name:      name,
		Type:      consumerType,
		Facts:     facts,
		CreatedAt: created,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, consumer); err != nil {
		return nil, err
	}

	s.log.Info("consumer registered",
		zap.String("consumer_uuid", consumer.UUID),
		zap.String("consumer_type", consumer.Type),
		zap.String("owner_id", consumer.OwnerID.String()),
	)
	return consumer, nil
}

func (s *service) GetByUUID(ctx context.Context, id string) (*domain.Consumer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrNotFound
	}
	c, err := s.repo.FindByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *service) GetByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Consumer, error) {
	c, err := s.repoFor(tx).FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *service) GetByIDs(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]*domain.Consumer, error) {
	items, err := s.repoFor(tx).FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]*domain.Consumer, len(items))
	for i := range items {
		out[items[i].ID] = &items[i]
	}
	return out, nil
}

func (s *service) ListByOwner(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID) ([]domain.Consumer, error) {
	return s.repoFor(tx).ListByOwner(ctx, ownerID)
}

func (s *service) MapGuest(ctx context.Context, guestUUID, hostUUID string) (*domain.Consumer, error) {
	guest, err := s.GetByUUID(ctx, guestUUID)
	if err != nil {
		return nil, err
	}

	var hostID *snowflake.ID
	if strings.TrimSpace(hostUUID) != "" {
		host, err := s.GetByUUID(ctx, hostUUID)
		if err != nil {
			return nil, err
		}
		if host.OwnerID != guest.OwnerID {
			return nil, domain.ErrOwnerMismatch
		}
		id := host.ID
		hostID = &id
	}

	now := s.clock.Now()
	if err := s.repo.SetHost(ctx, guest.ID, hostID, now); err != nil {
		return nil, err
	}
	guest.HostID = hostID
	guest.UpdatedAt = now
	return guest, nil
}

func (s *service) repoFor(tx *gorm.DB) domain.Repository {
	if tx == nil {
		return s.repo
	}
	return s.repo.WithTx(tx)
}
