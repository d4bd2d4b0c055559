package domain

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func testGraph() *productdomain.Graph {
	g := productdomain.NewGraph()
	g.Products[1] = &productdomain.Product{ID: 1, ProductID: "SKU1", Name: "SKU"}
	g.Products[2] = &productdomain.Product{ID: 2, ProductID: "ENG1", Name: "Eng 1"}
	g.Products[3] = &productdomain.Product{ID: 3, ProductID: "ENG0", Name: "Eng 0"}
	g.Contents[10] = &productdomain.Content{
		ID:                 10,
		ContentID:          "c-b",
		Label:              "b",
		ContentURL:         "/b",
		Arches:             "x86_64, aarch64",
		ModifiedProductIDs: datatypes.NewJSONSlice([]string{"m1"}),
	}
	g.Contents[11] = &productdomain.Content{ID: 11, ContentID: "c-a", Label: "a", ContentURL: "/a"}
	g.Provided[1] = []snowflake.ID{2, 3}
	g.Links[2] = []productdomain.ProductContent{{ProductID: 2, ContentID: 10, Enabled: true}, {ProductID: 2, ContentID: 11}}
	return g
}

func TestEntitlementPayload(t *testing.T) {
	subID := "sub-1"
	pool := &pooldomain.Pool{
		ID:             99,
		Type:           pooldomain.TypeNormal,
		SubscriptionID: &subID,
		ProductID:      "SKU1",
		ProductUUID:    1,
		ProvidedProducts: datatypes.NewJSONSlice([]pooldomain.ProductRef{
			{ProductID: "ENG1", ProductUUID: 2},
			{ProductID: "ENG0", ProductUUID: 3},
		}),
		OrderNumber: "o-1",
		EndDate:     time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		Branding:    datatypes.NewJSONSlice([]productdomain.Branding{{ProductID: "ENG1", Type: "OS", Name: "Brand"}}),
	}

	p := EntitlementPayload("acme", "consumer-1", pool, 2, testGraph())
	require.Len(t, p.Products, 2)
	assert.Equal(t, "ENG0", p.Products[0].ID)
	assert.Empty(t, p.Products[0].Content)
	assert.Equal(t, "ENG1", p.Products[1].ID)
	require.Len(t, p.Products[1].Content, 2)
	assert.Equal(t, "c-a", p.Products[1].Content[0].ID)
	assert.Equal(t, "/a", p.Products[1].Content[0].Path)
	assert.Equal(t, "/b", p.Products[1].Content[1].Path)
	assert.True(t, p.Products[1].Content[1].Enabled)
	assert.Equal(t, []string{"x86_64", "aarch64"}, p.Products[1].Content[1].Arches)
	assert.Equal(t, []string{"m1"}, p.Products[1].Content[1].ModifiedProductIDs)
	assert.Equal(t, "sub-1", p.Pool.SubscriptionID)
	assert.Equal(t, "o-1", p.Pool.OrderNumber)
	assert.Equal(t, int64(2), p.Quantity)
	require.Len(t, p.Branding, 1)
}

func TestContentAccessPayload(t *testing.T) {
	contents := []productdomain.Content{
		{ContentID: "z", ContentURL: "/z"},
		{ContentID: "a", ContentURL: "/a"},
	}
	p := ContentAccessPayload("acme", "consumer-1", contents)
	require.Len(t, p.Products, 1)
	assert.Equal(t, "content_access", p.Products[0].ID)
	require.Len(t, p.Products[0].Content, 2)
	assert.Equal(t, "a", p.Products[0].Content[0].ID)
	assert.Equal(t, KindContentAccess, p.Kind)
}
