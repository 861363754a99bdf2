// Package parser extracts category ids from product metadata and validates
// product records before they are merged.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aluiziolira/catalog-export/models"
)

// idSource is one shape of category-id metadata found on a product.
type idSource interface {
	categoryIDs() []int
}

// directRefs is the product's own category list.
type directRefs []models.CategoryRef

func (s directRefs) categoryIDs() []int {
	ids := make([]int, 0, len(s))
	for _, ref := range s {
		if id, ok := parseID(ref.Raw); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// delimitedValue is an attribute value such as "3, 7,12".
type delimitedValue string

func (s delimitedValue) categoryIDs() []int {
	parts := strings.Split(string(s), ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		if id, ok := parseID(part); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// listValue is an attribute value holding a JSON array of ids.
type listValue []models.CategoryRef

func (s listValue) categoryIDs() []int {
	return directRefs(s).categoryIDs()
}

// scalarValue is an attribute value holding a single bare number.
type scalarValue string

func (s scalarValue) categoryIDs() []int {
	if id, ok := parseID(string(s)); ok {
		return []int{id}
	}
	return nil
}

// linkRefs are the category links from the extension metadata.
type linkRefs []models.CategoryLink

func (s linkRefs) categoryIDs() []int {
	ids := make([]int, 0, len(s))
	for _, link := range s {
		if id, ok := parseID(link.CategoryID); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// attributeValue picks the shape of a category_ids attribute value.
// Values of unknown shape yield nil.
func attributeValue(raw json.RawMessage) idSource {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		return delimitedValue(s)
	case '[':
		var list listValue
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil
		}
		return list
	case '{', 'n', 't', 'f':
		return nil
	default:
		return scalarValue(raw)
	}
}

func sources(p *models.Product) []idSource {
	out := make([]idSource, 0, 3)
	if len(p.Categories) > 0 {
		out = append(out, directRefs(p.Categories))
	}
	for _, attr := range p.CustomAttributes {
		if attr.Code != models.CategoryIDsAttribute {
			continue
		}
		if src := attributeValue(attr.Value); src != nil {
			out = append(out, src)
		}
	}
	if len(p.ExtensionAttributes.CategoryLinks) > 0 {
		out = append(out, linkRefs(p.ExtensionAttributes.CategoryLinks))
	}
	return out
}

// CategoryIDs returns the sorted, deduplicated union of every category id
// found on p. Entries that are not positive integers are dropped.
func CategoryIDs(p *models.Product) []int {
	if p == nil {
		return []int{}
	}

	seen := make(map[int]struct{})
	for _, src := range sources(p) {
		for _, id := range src.categoryIDs() {
			seen[id] = struct{}{}
		}
	}

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// UniqueCategoryIDs returns the sorted union of category ids across products.
func UniqueCategoryIDs(products []models.Product) []int {
	seen := make(map[int]struct{})
	for i := range products {
		for _, id := range CategoryIDs(&products[i]) {
			seen[id] = struct{}{}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// UniqueSKUs returns the distinct non-empty skus in first-seen order.
func UniqueSKUs(products []models.Product) []string {
	seen := make(map[string]struct{}, len(products))
	skus := make([]string, 0, len(products))
	for _, p := range products {
		sku := NormalizeSKU(p.SKU)
		if sku == "" {
			continue
		}
		if _, ok := seen[sku]; ok {
			continue
		}
		seen[sku] = struct{}{}
		skus = append(skus, sku)
	}
	return skus
}

func parseID(text string) (int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	id, err := strconv.Atoi(text)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ValidateProduct ensures a product carries the fields the merge relies on.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if NormalizeSKU(p.SKU) == "" {
		return fmt.Errorf("product %d missing sku", p.ID)
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("product %s has negative price %s", p.SKU, p.Price.String())
	}
	return nil
}

// NormalizeSKU trims surrounding whitespace from a sku.
func NormalizeSKU(sku string) string {
	return strings.TrimSpace(sku)
}
