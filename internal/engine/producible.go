package engine

import (
	"dukapos/backend/internal/domain"
)

// MaxProducible reports how many whole units of a composite the current
// stock of its catalog-linked ingredients can make.
func MaxProducible(product domain.Product, catalog map[string]domain.Product) domain.MaxProducible {
	result := domain.MaxProducible{ProductID: product.ID}
	if !product.IsComposite() {
		return result
	}

	found := false
	var best int64
	for _, bom := range product.Recipe {
		ingredient, ok := catalog[bom.ProductID]
		if bom.ProductID == "" || !ok || !bom.Quantity.IsPositive() {
			continue
		}
		possible := int64(0)
		if ingredient.Quantity.IsPositive() {
			possible = ingredient.Quantity.Div(bom.Quantity).Floor().IntPart()
		}
		if !found || possible < best {
			found = true
			best = possible
			name := ingredient.Name
			result.LimitingIngredient = &name
		}
	}
	if found {
		result.MaxUnits = best
	}
	return result
}
