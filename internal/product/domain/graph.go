package domain

import (
	"sort"

	"github.com/bwmarrin/snowflake"
)

// Graph is a read-only view over a closed set of canonical products, their
// provided products and attached content.
type Graph struct {
	Products map[snowflake.ID]*Product
	Contents map[snowflake.ID]*Content
	Provided map[snowflake.ID][]snowflake.ID
	Links    map[snowflake.ID][]ProductContent
}

func NewGraph() *Graph {
	return &Graph{
		Products: map[snowflake.ID]*Product{},
		Contents: map[snowflake.ID]*Content{},
		Provided: map[snowflake.ID][]snowflake.ID{},
		Links:    map[snowflake.ID][]ProductContent{},
	}
}

func (g *Graph) Product(id snowflake.ID) *Product {
	return g.Products[id]
}

// ProvidedOf returns the provided products of id ordered by upstream id.
func (g *Graph) ProvidedOf(id snowflake.ID) []*Product {
	out := make([]*Product, 0, len(g.Provided[id]))
	for _, pid := range g.Provided[id] {
		if p := g.Products[pid]; p != nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

type AttachedContent struct {
	Content *Content `json:"content"`
	Enabled bool     `json:"enabled"`
}

// ContentOf returns the content attached to product id ordered by upstream id.
func (g *Graph) ContentOf(id snowflake.ID) []AttachedContent {
	out := make([]AttachedContent, 0, len(g.Links[id]))
	for _, link := range g.Links[id] {
		if c := g.Contents[link.ContentID]; c != nil {
			out = append(out, AttachedContent{Content: c, Enabled: link.Enabled})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Content.ContentID < out[j].Content.ContentID })
	return out
}
