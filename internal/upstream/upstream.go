// Package upstream describes the authoritative subscription source and the
// connector contract used to read it.
package upstream

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks any failure to obtain a complete subscription set.
var ErrUnavailable = errors.New("upstream_unavailable")

//go:generate mockgen -source=upstream.go -destination=mock/connector_mock.go -package=mock

// Connector reads subscriptions for an owner. Implementations return every
// subscription with its full product graph or an error wrapping ErrUnavailable.
type Connector interface {
	ListSubscriptions(ctx context.Context, ownerKey string) ([]*Subscription, error)
}

type Subscription struct {
	ID             string    `json:"id"`
	OwnerKey       string    `json:"owner_key"`
	Product        *Product  `json:"product"`
	Quantity       int64     `json:"quantity"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	ContractNumber string    `json:"contract_number,omitempty"`
	AccountNumber  string    `json:"account_number,omitempty"`
	OrderNumber    string    `json:"order_number,omitempty"`
}

// Expired reports whether the subscription ended at or before now.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.EndDate.IsZero() && !s.EndDate.After(now)
}

type Product struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Multiplier       *int64            `json:"multiplier,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	ProvidedProducts []*Product        `json:"provided_products,omitempty"`
	DerivedProduct   *Product          `json:"derived_product,omitempty"`
	Branding         []Branding        `json:"branding,omitempty"`
	Content          []ProductContent  `json:"product_content,omitempty"`
}

type Branding struct {
	ProductID string `json:"product_id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
}

type ProductContent struct {
	Content *Content `json:"content"`
	Enabled bool     `json:"enabled"`
}

type Content struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type"`
	Label              string   `json:"label"`
	Name               string   `json:"name"`
	Vendor             string   `json:"vendor"`
	ContentURL         string   `json:"content_url"`
	GPGURL             string   `json:"gpg_url,omitempty"`
	RequiredTags       string   `json:"required_tags,omitempty"`
	ReleaseVersion     string   `json:"release_version,omitempty"`
	Arches             string   `json:"arches,omitempty"`
	MetadataExpire     *int64   `json:"metadata_expire,omitempty"`
	ModifiedProductIDs []string `json:"modified_product_ids,omitempty"`
}

// Clone deep-copies the subscription and its product graph. Shared
// sub-products stay shared within the copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	out := *s
	c := cloner{products: map[*Product]*Product{}, contents: map[*Content]*Content{}}
	out.Product = c.product(s.Product)
	return &out
}

type cloner struct {
	products map[*Product]*Product
	contents map[*Content]*Content
}

func (c *cloner) product(p *Product) *Product {
	if p == nil {
		return nil
	}
	if done, ok := c.products[p]; ok {
		return done
	}
	out := &Product{ID: p.ID, Name: p.Name}
	c.products[p] = out
	if p.Multiplier != nil {
		m := *p.Multiplier
		out.Multiplier = &m
	}
	if p.Attributes != nil {
		out.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			out.Attributes[k] = v
		}
	}
	for _, pp := range p.ProvidedProducts {
		out.ProvidedProducts = append(out.ProvidedProducts, c.product(pp))
	}
	out.DerivedProduct = c.product(p.DerivedProduct)
	out.Branding = append([]Branding(nil), p.Branding...)
	for _, pc := range p.Content {
		out.Content = append(out.Content, ProductContent{Content: c.content(pc.Content), Enabled: pc.Enabled})
	}
	return out
}

func (c *cloner) content(in *Content) *Content {
	if in == nil {
		return nil
	}
	if done, ok := c.contents[in]; ok {
		return done
	}
	out := *in
	if in.MetadataExpire != nil {
		v := *in.MetadataExpire
		out.MetadataExpire = &v
	}
	out.ModifiedProductIDs = append([]string(nil), in.ModifiedProductIDs...)
	c.contents[in] = &out
	return &out
}
