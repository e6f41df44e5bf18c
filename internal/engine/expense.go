package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
)

// MaybeEmit returns the automatic expense for consuming an expense-only
// ingredient, or nil for any other ingredient. Id, sale link and timestamp
// are filled in by the processor.
func MaybeEmit(ingredient domain.Product, consumed, unitCost decimal.Decimal) *domain.Expense {
	if !ingredient.ExpenseOnly {
		return nil
	}
	unit := ingredient.Unit
	if unit == "" {
		unit = "units"
	}
	return &domain.Expense{
		Description: fmt.Sprintf("Used %s %s of %s", consumed.String(), unit, ingredient.Name),
		Amount:      unitCost.Mul(consumed).Round(MoneyScale),
		Category:    domain.ExpenseCategoryIngredient,
		Automatic:   true,
		ProductID:   ingredient.ID,
	}
}
