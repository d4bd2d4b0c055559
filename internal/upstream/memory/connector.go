// Package memory is an in-process upstream connector backed by go-memdb.
// It serves development seeding and tests that mutate upstream state between refreshes.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/smallbiznis/poolsync/internal/upstream"
)

const (
	subscriptionTable = "subscription"
	indexID           = "id"
	indexOwner        = "owner"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			subscriptionTable: {
				Name: subscriptionTable,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexOwner: {
						Name:    indexOwner,
						Indexer: &memdb.StringFieldIndex{Field: "OwnerKey"},
					},
				},
			},
		},
	}
}

type Connector struct {
	db *memdb.MemDB

	mu   sync.RWMutex
	fail error
}

func New() (*Connector, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	return &Connector{db: db}, nil
}

// Put stores a copy of each subscription, replacing any with the same id.
func (c *Connector) Put(subs ...*upstream.Subscription) error {
	txn := c.db.Txn(true)
	defer txn.Abort()
	for _, sub := range subs {
		if sub == nil || strings.TrimSpace(sub.ID) == "" {
			return fmt.Errorf("memory connector: subscription id is required")
		}
		if err := txn.Insert(subscriptionTable, sub.Clone()); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func (c *Connector) Delete(id string) error {
	txn := c.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(subscriptionTable, indexID, id); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Get returns a copy of the stored subscription, or nil.
func (c *Connector) Get(id string) *upstream.Subscription {
	txn := c.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(subscriptionTable, indexID, id)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*upstream.Subscription).Clone()
}

// Fail makes every subsequent read return err wrapped in ErrUnavailable until cleared with nil.
func (c *Connector) Fail(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

// Load seeds the connector from a JSON array of subscriptions.
func (c *Connector) Load(r io.Reader) (int, error) {
	var subs []*upstream.Subscription
	if err := json.NewDecoder(r).Decode(&subs); err != nil {
		return 0, err
	}
	if err := c.Put(subs...); err != nil {
		return 0, err
	}
	return len(subs), nil
}

func (c *Connector) ListSubscriptions(ctx context.Context, ownerKey string) ([]*upstream.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", upstream.ErrUnavailable, err)
	}
	c.mu.RLock()
	fail := c.fail
	c.mu.RUnlock()
	if fail != nil {
		return nil, fmt.Errorf("%w: %v", upstream.ErrUnavailable, fail)
	}

	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(subscriptionTable, indexOwner, ownerKey)
	if err != nil {
		return nil, err
	}
	var out []*upstream.Subscription
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*upstream.Subscription).Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ upstream.Connector = (*Connector)(nil)
