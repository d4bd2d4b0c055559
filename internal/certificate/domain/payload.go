package domain

import (
	"sort"
	"strings"

	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
)

const (
	contentAccessProductID   = "content_access"
	contentAccessProductName = "Content Access"
)

// EntitlementPayload lists the products a pool grants, each with its content.
// The pool's own product is listed only when it carries content; provided
// products are always listed.
func EntitlementPayload(ownerKey, consumerUUID string, pool *pooldomain.Pool, quantity int64, graph *productdomain.Graph) *Payload {
	p := &Payload{
		Version:  PayloadVersion,
		Kind:     KindEntitlement,
		Owner:    PayloadOwner{Key: ownerKey},
		Consumer: consumerUUID,
		Quantity: quantity,
		Pool: &PayloadPool{
			ID:             pool.ID.String(),
			Type:           pool.Type,
			ProductID:      pool.ProductID,
			ContractNumber: pool.ContractNumber,
			AccountNumber:  pool.AccountNumber,
			OrderNumber:    pool.OrderNumber,
			StartDate:      pool.StartDate,
			EndDate:        pool.EndDate,
		},
		ExpiresAt: pool.EndDate,
	}
	if pool.SubscriptionID != nil {
		p.Pool.SubscriptionID = *pool.SubscriptionID
	}

	seen := map[string]bool{}
	add := func(product *productdomain.Product, requireContent bool) {
		if product == nil || seen[product.ProductID] {
			return
		}
		content := graph.ContentOf(product.ID)
		if requireContent && len(content) == 0 {
			return
		}
		seen[product.ProductID] = true
		p.Products = append(p.Products, PayloadProduct{
			ID:      product.ProductID,
			Name:    product.Name,
			Content: contentEntries(content),
		})
	}
	add(graph.Product(pool.ProductUUID), true)
	for _, ref := range pool.ProvidedProducts {
		add(graph.Product(ref.ProductUUID), false)
	}
	sort.Slice(p.Products, func(i, j int) bool { return p.Products[i].ID < p.Products[j].ID })
	if p.Products == nil {
		p.Products = []PayloadProduct{}
	}

	for _, b := range pool.Branding {
		p.Branding = append(p.Branding, PayloadBrand{ProductID: b.ProductID, Type: b.Type, Name: b.Name})
	}
	return p
}

// ContentAccessPayload grants every content of an owner through one synthetic product.
func ContentAccessPayload(ownerKey, consumerUUID string, contents []productdomain.Content) *Payload {
	attached := make([]productdomain.AttachedContent, 0, len(contents))
	for i := range contents {
		attached = append(attached, productdomain.AttachedContent{Content: &contents[i], Enabled: true})
	}
	sort.Slice(attached, func(i, j int) bool { return attached[i].Content.ContentID < attached[j].Content.ContentID })
	return &Payload{
		Version:  PayloadVersion,
		Kind:     KindContentAccess,
		Owner:    PayloadOwner{Key: ownerKey},
		Consumer: consumerUUID,
		Products: []PayloadProduct{{
			ID:      contentAccessProductID,
			Name:    contentAccessProductName,
			Content: contentEntries(attached),
		}},
	}
}

func contentEntries(in []productdomain.AttachedContent) []PayloadContent {
	out := make([]PayloadContent, 0, len(in))
	for _, ac := range in {
		c := ac.Content
		out = append(out, PayloadContent{
			ID:                 c.ContentID,
			Type:               c.Type,
			Name:               c.Name,
			Label:              c.Label,
			Vendor:             c.Vendor,
			Path:               c.ContentURL,
			GPGURL:             c.GPGURL,
			Enabled:            ac.Enabled,
			MetadataExpire:     c.MetadataExpire,
			RequiredTags:       splitList(c.RequiredTags),
			Arches:             splitList(c.Arches),
			ReleaseVersion:     c.ReleaseVersion,
			ModifiedProductIDs: append([]string(nil), c.ModifiedProductIDs...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
