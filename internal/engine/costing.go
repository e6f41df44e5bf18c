package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
)

// MoneyScale is the number of decimal places kept on COGS and expense amounts.
const MoneyScale = 4

// UnitCost is the per-unit cost of p's current stock: cost / quantity.
func UnitCost(p domain.Product) (decimal.Decimal, error) {
	if !p.Quantity.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s has %s %s on hand", ErrZeroStockCostUndefined, p.Name, p.Quantity.String(), p.Unit)
	}
	return p.Cost.Div(p.Quantity), nil
}

// LineCOGS sums unitCost × required over the resolved lines of one sale line.
// Placeholders contribute nothing.
func LineCOGS(lines []ResolvedLine, unitCosts map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		if line.Placeholder {
			continue
		}
		total = total.Add(unitCosts[line.Ingredient.ID].Mul(line.Required))
	}
	return total.Round(MoneyScale)
}

// unitCostsFor computes the unit cost of every non-placeholder ingredient
// against the pre-mutation snapshot.
func unitCostsFor(resolved [][]ResolvedLine) (map[string]decimal.Decimal, error) {
	costs := make(map[string]decimal.Decimal)
	for _, lines := range resolved {
		for _, line := range lines {
			if line.Placeholder {
				continue
			}
			if _, done := costs[line.Ingredient.ID]; done {
				continue
			}
			unit, err := UnitCost(line.Ingredient)
			if err != nil {
				return nil, err
			}
			costs[line.Ingredient.ID] = unit
		}
	}
	return costs, nil
}
