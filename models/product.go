// Package models defines data structures for the catalog export.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// CategoryIDsAttribute is the custom attribute code carrying category ids.
const CategoryIDsAttribute = "category_ids"

// Product is a base product record as returned by the catalog listing.
type Product struct {
	ID                  int64               `json:"id"`
	SKU                 string              `json:"sku"`
	Name                string              `json:"name"`
	Price               decimal.Decimal     `json:"price"`
	Status              int                 `json:"status"`
	Visibility          int                 `json:"visibility"`
	TypeID              string              `json:"type_id"`
	CreatedAt           string              `json:"created_at"`
	UpdatedAt           string              `json:"updated_at"`
	CustomAttributes    []CustomAttribute   `json:"custom_attributes"`
	ExtensionAttributes ExtensionAttributes `json:"extension_attributes"`
	MediaGalleryEntries []MediaEntry        `json:"media_gallery_entries"`
	Categories          []CategoryRef       `json:"categories,omitempty"`
}

// CustomAttribute is a name/value pair whose value shape varies per attribute.
type CustomAttribute struct {
	Code  string          `json:"attribute_code"`
	Value json.RawMessage `json:"value"`
}

// ExtensionAttributes holds the extension metadata block of a product.
type ExtensionAttributes struct {
	CategoryLinks []CategoryLink `json:"category_links,omitempty"`
}

// CategoryLink references a category from the extension metadata.
type CategoryLink struct {
	Position   int    `json:"position"`
	CategoryID string `json:"category_id"`
}

// UnmarshalJSON accepts numeric and string ids and positions. A link that
// is not an object is read as a bare id.
func (l *CategoryLink) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = CategoryLink{}
		return nil
	}
	if data[0] != '{' {
		*l = CategoryLink{CategoryID: scalarText(data)}
		return nil
	}

	var obj struct {
		Position   json.RawMessage `json:"position"`
		CategoryID json.RawMessage `json:"category_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode category link: %w", err)
	}
	position, _ := strconv.Atoi(scalarText(obj.Position))
	*l = CategoryLink{Position: position, CategoryID: scalarText(obj.CategoryID)}
	return nil
}

// MediaEntry is a product media gallery entry.
type MediaEntry struct {
	ID        int64    `json:"id"`
	MediaType string   `json:"media_type"`
	Label     string   `json:"label"`
	Position  int      `json:"position"`
	Disabled  bool     `json:"disabled"`
	Types     []string `json:"types"`
	File      string   `json:"file"`
}

// CategoryRef is one element of a product's direct category list. The
// upstream sends either an object with an id, a bare number or a numeric
// string; Raw keeps the id text so callers can discard non-numeric values.
type CategoryRef struct {
	Raw string
}

// UnmarshalJSON accepts {"id": ...}, numbers and strings.
func (r *CategoryRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		r.Raw = ""
		return nil
	}

	switch data[0] {
	case '{':
		var obj struct {
			ID         json.RawMessage `json:"id"`
			CategoryID json.RawMessage `json:"category_id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("decode category ref: %w", err)
		}
		raw := obj.ID
		if len(raw) == 0 {
			raw = obj.CategoryID
		}
		r.Raw = scalarText(raw)
	default:
		r.Raw = scalarText(data)
	}
	return nil
}

// MarshalJSON writes the ref as an object with an id.
func (r CategoryRef) MarshalJSON() ([]byte, error) {
	if id, err := strconv.Atoi(r.Raw); err == nil {
		return json.Marshal(map[string]int{"id": id})
	}
	return json.Marshal(map[string]string{"id": r.Raw})
}

func scalarText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	return string(raw)
}

// Attribute returns the raw value of a custom attribute.
func (p *Product) Attribute(code string) (json.RawMessage, bool) {
	for _, attr := range p.CustomAttributes {
		if attr.Code == code {
			return attr.Value, true
		}
	}
	return nil, false
}

// PrimaryImage returns the file of the enabled media entry tagged "image",
// falling back to the lowest positioned enabled entry.
func (p *Product) PrimaryImage() string {
	entries := make([]MediaEntry, 0, len(p.MediaGalleryEntries))
	for _, entry := range p.MediaGalleryEntries {
		if entry.Disabled || entry.File == "" {
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return ""
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Position < entries[j].Position
	})
	for _, entry := range entries {
		for _, t := range entry.Types {
			if t == "image" {
				return entry.File
			}
		}
	}
	return entries[0].File
}

// ProductPage is one page of the product listing.
type ProductPage struct {
	Items      []Product `json:"items"`
	TotalCount int       `json:"total_count"`
}
