package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
)

// ApplyDeduction removes qty from p's stock and shrinks its cost basis by the
// same proportion, so the unit cost of what remains is unchanged.
func ApplyDeduction(p domain.Product, qty decimal.Decimal) (domain.Product, error) {
	if !qty.IsPositive() {
		return p, fmt.Errorf("%w: deduction must be positive", ErrInvalidRequest)
	}
	if p.Quantity.LessThan(qty) {
		return p, fmt.Errorf("%w: %s needs %s %s, %s on hand",
			ErrInsufficientStock, p.Name, qty.String(), p.Unit, p.Quantity.String())
	}

	pre := p.Quantity
	p.Quantity = pre.Sub(qty)
	if p.Quantity.IsZero() {
		p.Cost = decimal.Zero
		return p, nil
	}
	p.Cost = p.Cost.Sub(p.Cost.Mul(qty).Div(pre))
	if p.Cost.IsNegative() {
		p.Cost = decimal.Zero
	}
	return p, nil
}
