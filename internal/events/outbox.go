// Package events records reconciliation side effects in a transactional outbox.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TopicOwnerCreated           = "owner.created"
	TopicPoolCreated            = "pool.created"
	TopicPoolUpdated            = "pool.updated"
	TopicPoolDeleted            = "pool.deleted"
	TopicEntitlementRevoked     = "entitlement.revoked"
	TopicCertificateRegenerated = "certificate.regenerated"
)

var ErrMissingTopic = errors.New("missing_topic")

// Event is one outbox row. AggregateID identifies the pool, entitlement or owner it describes.
type Event struct {
	OwnerID     snowflake.ID
	Topic       string
	AggregateID string
	Payload     map[string]any
}

// ReconcileEvent is the persisted outbox row.
type ReconcileEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	OwnerID     snowflake.ID   `gorm:"not null;index" json:"owner_id"`
	Topic       string         `gorm:"type:text;not null;index" json:"topic"`
	AggregateID string         `gorm:"type:text;not null" json:"aggregate_id"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Published   bool           `gorm:"not null;default:false" json:"published"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (ReconcileEvent) TableName() string { return "reconcile_events" }

// Publisher writes events using the caller's transaction so they commit or
// roll back together with the state change they describe.
type Publisher interface {
	Publish(ctx context.Context, tx *gorm.DB, events ...Event) error
}

type outboxPublisher struct {
	genID *snowflake.Node
}

func NewOutboxPublisher(genID *snowflake.Node) Publisher {
	return &outboxPublisher{genID: genID}
}

var Module = fx.Module("events",
	fx.Provide(NewOutboxPublisher),
)

func (p *outboxPublisher) Publish(ctx context.Context, tx *gorm.DB, events ...Event) error {
	now := time.Now().UTC()
	for _, evt := range events {
		topic := strings.TrimSpace(evt.Topic)
		if topic == "" {
			return ErrMissingTopic
		}
		payload := evt.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		err = tx.WithContext(ctx).Exec(
			`INSERT INTO reconcile_events (id, owner_id, topic, aggregate_id, payload, published, created_at)
			 VALUES (?, ?, ?, ?, ?, false, ?)`,
			p.genID.Generate(),
			evt.OwnerID,
			topic,
			evt.AggregateID,
			datatypes.JSON(raw),
			now,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}
