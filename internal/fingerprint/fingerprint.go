// Package fingerprint hashes upstream product and content graphs into stable
// digests that change exactly when certificate-relevant data changes.
//
// Sets (attributes, provided products, content associations, branding,
// modified product ids) are sorted before hashing so upstream ordering never
// affects the result.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strconv"

	"github.com/smallbiznis/poolsync/internal/upstream"
	"golang.org/x/crypto/blake2b"
)

var ErrCycle = errors.New("product_graph_cycle")

// Engine memoizes fingerprints per node so shared sub-products are hashed once.
// An Engine is not safe for concurrent use; create one per refresh.
type Engine struct {
	products map[*upstream.Product]string
	contents map[*upstream.Content]string
	visiting map[*upstream.Product]bool
}

func New() *Engine {
	return &Engine{
		products: map[*upstream.Product]string{},
		contents: map[*upstream.Content]string{},
		visiting: map[*upstream.Product]bool{},
	}
}

// Product fingerprints p and everything reachable from it.
func (e *Engine) Product(p *upstream.Product) (string, error) {
	if p == nil {
		return "", nil
	}
	if fp, ok := e.products[p]; ok {
		return fp, nil
	}
	if e.visiting[p] {
		return "", fmt.Errorf("%w: %s", ErrCycle, p.ID)
	}
	e.visiting[p] = true
	defer delete(e.visiting, p)

	provided := make([]string, 0, len(p.ProvidedProducts))
	for _, pp := range p.ProvidedProducts {
		fp, err := e.Product(pp)
		if err != nil {
			return "", err
		}
		if fp != "" {
			provided = append(provided, fp)
		}
	}
	provided = uniqueSorted(provided)

	derived, err := e.Product(p.DerivedProduct)
	if err != nil {
		return "", err
	}

	content := make([]string, 0, len(p.Content))
	for _, pc := range p.Content {
		if pc.Content == nil {
			continue
		}
		content = append(content, e.Content(pc.Content)+":"+strconv.FormatBool(pc.Enabled))
	}
	content = uniqueSorted(content)

	branding := make([]string, 0, len(p.Branding))
	for _, b := range p.Branding {
		branding = append(branding, joinFields(b.ProductID, b.Type, b.Name))
	}
	branding = uniqueSorted(branding)

	w := newWriter("product")
	w.field(p.ID)
	w.field(p.Name)
	if p.Multiplier != nil {
		w.field(strconv.FormatInt(*p.Multiplier, 10))
	} else {
		w.field("")
	}
	w.pairs(p.Attributes)
	w.list(provided)
	w.field(derived)
	w.list(content)
	w.list(branding)

	fp := w.sum()
	e.products[p] = fp
	return fp, nil
}

// Content fingerprints a content definition.
func (e *Engine) Content(c *upstream.Content) string {
	if c == nil {
		return ""
	}
	if fp, ok := e.contents[c]; ok {
		return fp
	}
	w := newWriter("content")
	w.field(c.ID)
	w.field(c.Type)
	w.field(c.Label)
	w.field(c.Name)
	w.field(c.Vendor)
	w.field(c.ContentURL)
	w.field(c.GPGURL)
	w.field(c.RequiredTags)
	w.field(c.ReleaseVersion)
	w.field(c.Arches)
	if c.MetadataExpire != nil {
		w.field(strconv.FormatInt(*c.MetadataExpire, 10))
	} else {
		w.field("")
	}
	w.list(uniqueSorted(append([]string(nil), c.ModifiedProductIDs...)))

	fp := w.sum()
	e.contents[c] = fp
	return fp
}

// Combine hashes an ordered list of parts under a domain tag.
func Combine(tag string, parts ...string) string {
	w := newWriter(tag)
	w.list(parts)
	return w.sum()
}

// Set hashes parts as an unordered set under a domain tag.
func Set(tag string, parts ...string) string {
	w := newWriter(tag)
	w.list(uniqueSorted(append([]string(nil), parts...)))
	return w.sum()
}

type writer struct {
	h   hash.Hash
	buf [binary.MaxVarintLen64]byte
}

func newWriter(tag string) *writer {
	h, _ := blake2b.New256(nil)
	w := &writer{h: h}
	w.field(tag)
	return w
}

// field writes a length-prefixed value so adjacent fields cannot collide.
func (w *writer) field(v string) {
	n := binary.PutUvarint(w.buf[:], uint64(len(v)))
	_, _ = w.h.Write(w.buf[:n])
	_, _ = w.h.Write([]byte(v))
}

func (w *writer) list(values []string) {
	w.field(strconv.Itoa(len(values)))
	for _, v := range values {
		w.field(v)
	}
}

func (w *writer) pairs(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.field(strconv.Itoa(len(keys)))
	for _, k := range keys {
		w.field(k)
		w.field(m[k])
	}
}

func (w *writer) sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

func joinFields(parts ...string) string {
	w := newWriter("fields")
	for _, p := range parts {
		w.field(p)
	}
	return w.sum()
}

func uniqueSorted(values []string) []string {
	sort.Strings(values)
	out := values[:0]
	for i, v := range values {
		if i > 0 && v == values[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}
