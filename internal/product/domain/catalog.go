package domain

import (
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/upstream"
)

// Catalog resolves the upstream nodes seen during one refresh to their
// canonical rows.
type Catalog struct {
	products map[*upstream.Product]*Product
	contents map[*upstream.Content]*Content

	Created int
	Reused  int
}

func NewCatalog() *Catalog {
	return &Catalog{
		products: map[*upstream.Product]*Product{},
		contents: map[*upstream.Content]*Content{},
	}
}

func (c *Catalog) Product(p *upstream.Product) *Product {
	if c == nil || p == nil {
		return nil
	}
	return c.products[p]
}

func (c *Catalog) Content(ct *upstream.Content) *Content {
	if c == nil || ct == nil {
		return nil
	}
	return c.contents[ct]
}

func (c *Catalog) PutProduct(p *upstream.Product, row *Product) { c.products[p] = row }

func (c *Catalog) PutContent(ct *upstream.Content, row *Content) { c.contents[ct] = row }

// Products returns the distinct canonical products ordered by upstream id.
func (c *Catalog) Products() []*Product {
	seen := map[snowflake.ID]bool{}
	out := make([]*Product, 0, len(c.products))
	for _, row := range c.products {
		if seen[row.ID] {
			continue
		}
		seen[row.ID] = true
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Catalog) Contents() []*Content {
	seen := map[snowflake.ID]bool{}
	out := make([]*Content, 0, len(c.contents))
	for _, row := range c.contents {
		if seen[row.ID] {
			continue
		}
		seen[row.ID] = true
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContentID != out[j].ContentID {
			return out[i].ContentID < out[j].ContentID
		}
		return out[i].ID < out[j].ID
	})
	return out
}
