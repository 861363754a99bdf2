package models

import "github.com/shopspring/decimal"

// InventoryRecord is the stock state of one sku.
type InventoryRecord struct {
	SKU        string          `json:"sku"`
	Quantity   decimal.Decimal `json:"qty"`
	InStock    bool            `json:"is_in_stock"`
	ItemID     *int64          `json:"item_id"`
	ProductID  *int64          `json:"product_id"`
	SourceCode string          `json:"source_code,omitempty"`
}

// DefaultInventory is the record used when a sku cannot be resolved.
func DefaultInventory(sku string) InventoryRecord {
	return InventoryRecord{
		SKU:      sku,
		Quantity: decimal.Zero,
		InStock:  false,
	}
}

// IsDefault reports whether the record carries no upstream data.
func (r InventoryRecord) IsDefault() bool {
	return r.ItemID == nil && r.ProductID == nil && r.SourceCode == "" &&
		r.Quantity.IsZero() && !r.InStock
}
