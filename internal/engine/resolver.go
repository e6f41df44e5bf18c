package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
)

// ResolvedLine is one ingredient consumption derived from a sale line.
// Placeholder lines stand for free-text or unknown ingredients; they carry
// no cost and touch no stock.
type ResolvedLine struct {
	Ingredient  domain.Product
	Placeholder bool
	Direct      bool
	Required    decimal.Decimal
}

// Resolve expands product into the ingredients a sale of saleQty consumes.
// Recipes are expanded one level only. A catalog ingredient listed more than
// once yields a single line carrying the summed quantity.
func Resolve(product domain.Product, saleQty decimal.Decimal, catalog map[string]domain.Product) ([]ResolvedLine, error) {
	if !product.IsComposite() {
		return []ResolvedLine{{Ingredient: product, Direct: true, Required: saleQty}}, nil
	}

	lines := make([]ResolvedLine, 0, len(product.Recipe))
	seen := make(map[string]int, len(product.Recipe))
	for _, bom := range product.Recipe {
		if !bom.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: recipe of %s has a non-positive quantity", ErrInvalidRequest, product.Name)
		}
		required := bom.Quantity.Mul(saleQty)

		ingredient, known := catalog[bom.ProductID]
		if bom.ProductID == "" || !known {
			name := bom.Name
			if name == "" {
				name = bom.ProductID
			}
			lines = append(lines, ResolvedLine{
				Ingredient:  domain.Product{ID: bom.ProductID, Name: name, Unit: bom.Unit},
				Placeholder: true,
				Required:    required,
			})
			continue
		}
		if ingredient.IsComposite() {
			return nil, fmt.Errorf("%w: %s uses composite %s", ErrUnsupportedNestedRecipe, product.Name, ingredient.Name)
		}
		if i, dup := seen[ingredient.ID]; dup {
			lines[i].Required = lines[i].Required.Add(required)
			continue
		}
		seen[ingredient.ID] = len(lines)
		lines = append(lines, ResolvedLine{Ingredient: ingredient, Required: required})
	}
	return lines, nil
}

// IngredientIDs lists the catalog ids a composite's recipe references.
func IngredientIDs(product domain.Product) []string {
	ids := make([]string, 0, len(product.Recipe))
	for _, bom := range product.Recipe {
		if bom.ProductID != "" {
			ids = append(ids, bom.ProductID)
		}
	}
	return ids
}
