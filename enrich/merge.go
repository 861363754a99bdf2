// Package enrich joins products with their categories and stock records.
// It performs no I/O.
package enrich

import (
	"fmt"

	"github.com/aluiziolira/catalog-export/inventory"
	"github.com/aluiziolira/catalog-export/models"
	"github.com/aluiziolira/catalog-export/parser"
)

// MalformedProductError reports a product that cannot be merged.
type MalformedProductError struct {
	Index int
	Err   error
}

func (e MalformedProductError) Error() string {
	return fmt.Sprintf("malformed product at index %d: %v", e.Index, e.Err)
}

func (e MalformedProductError) Unwrap() error {
	return e.Err
}

// Merge produces one EnrichedProduct per product, in input order. Category
// ids missing from categories are dropped; skus missing from stock get the
// default record.
func Merge(products []models.Product, categories map[int]models.Category, stock map[string]models.InventoryRecord) ([]models.EnrichedProduct, error) {
	outcomes := make(map[string]inventory.Outcome, len(stock))
	for sku, record := range stock {
		outcomes[sku] = inventory.Outcome{Record: record}
	}
	return MergeOutcomes(products, categories, outcomes)
}

// MergeOutcomes is Merge over inventory outcomes; degradation reasons are
// carried into each record's provenance.
func MergeOutcomes(products []models.Product, categories map[int]models.Category, stock map[string]inventory.Outcome) ([]models.EnrichedProduct, error) {
	out := make([]models.EnrichedProduct, 0, len(products))
	for i := range products {
		p := &products[i]
		if err := parser.ValidateProduct(p); err != nil {
			return nil, MalformedProductError{Index: i, Err: err}
		}
		out = append(out, mergeOne(p, categories, stock))
	}
	return out, nil
}

func mergeOne(p *models.Product, categories map[int]models.Category, stock map[string]inventory.Outcome) models.EnrichedProduct {
	sku := parser.NormalizeSKU(p.SKU)

	resolved := make([]models.Category, 0)
	for _, id := range parser.CategoryIDs(p) {
		if c, ok := categories[id]; ok {
			resolved = append(resolved, c)
		}
	}

	record := models.DefaultInventory(sku)
	provenance := models.Provenance{Products: true, Categories: len(resolved) > 0}

	outcome, ok := stock[sku]
	switch {
	case !ok:
		provenance.InventoryReason = string(inventory.ReasonNotFound)
	case outcome.Degraded != nil:
		provenance.InventoryReason = string(outcome.Degraded.Reason)
	default:
		record = outcome.Record
		record.SKU = sku
		provenance.Inventory = !record.IsDefault()
	}

	provenance.Status = status(provenance)
	return models.EnrichedProduct{
		Product:    *p,
		Categories: resolved,
		Inventory:  record,
		Provenance: provenance,
	}
}

func status(p models.Provenance) models.MergeStatus {
	switch {
	case p.Categories && p.Inventory:
		return models.MergeComplete
	case p.Categories || p.Inventory:
		return models.MergePartial
	default:
		return models.MergeBaseOnly
	}
}

// Summary counts records by merge status.
func Summary(products []models.EnrichedProduct) map[models.MergeStatus]int {
	out := map[models.MergeStatus]int{
		models.MergeComplete: 0,
		models.MergePartial:  0,
		models.MergeBaseOnly: 0,
	}
	for _, p := range products {
		out[p.Provenance.Status]++
	}
	return out
}
