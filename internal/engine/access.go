package engine

import (
	"fmt"

	"dukapos/backend/internal/domain"
)

// VisibleCatalog filters products for role. Anything other than admin is
// treated as a cashier.
func VisibleCatalog(role string, products []domain.Product) []domain.Product {
	if role == domain.RoleAdmin {
		return products
	}
	visible := make([]domain.Product, 0, len(products))
	for _, p := range products {
		if hiddenFromCashier(p) {
			continue
		}
		visible = append(visible, p)
	}
	return visible
}

// CanTransact reports whether role may put p on a sale line.
func CanTransact(role string, p domain.Product) error {
	if role != domain.RoleAdmin && hiddenFromCashier(p) {
		return fmt.Errorf("%w: %s", ErrForbidden, p.Name)
	}
	if p.ExpenseOnly {
		return fmt.Errorf("%w: %s is expense-only and consumed through recipes", ErrForbidden, p.Name)
	}
	return nil
}

func hiddenFromCashier(p domain.Product) bool {
	return p.ExpenseOnly || !p.VisibleToCashier
}
