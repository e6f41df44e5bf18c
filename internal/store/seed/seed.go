// Package seed holds the demo catalog and default accounts loaded by the
// in-memory store and by an empty bolt database.
package seed

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"dukapos/backend/internal/domain"
)

func Products() []domain.Product {
	d := decimal.RequireFromString
	return []domain.Product{
		{ID: "prd-coffee-beans", Name: "Coffee Beans", Cost: d("18000"), Quantity: d("10"), Unit: "kg", Category: domain.CategoryRaw, VisibleToCashier: true},
		{ID: "prd-milk", Name: "Fresh Milk", Cost: d("2400"), Quantity: d("20"), Unit: "L", Category: domain.CategoryRaw, VisibleToCashier: true},
		{ID: "prd-sugar", Name: "Sugar", Cost: d("900"), Quantity: d("5"), Unit: "kg", Category: domain.CategoryExpenseOnly, ExpenseOnly: true},
		{ID: "prd-cup", Name: "Takeaway Cup", Cost: d("1500"), Quantity: d("300"), Unit: "pcs", Category: domain.CategoryExpenseOnly, ExpenseOnly: true},
		{ID: "prd-water", Name: "Bottled Water 500ml", Price: d("60"), Cost: d("1440"), Quantity: d("48"), Unit: "pcs", Category: domain.CategoryRaw, VisibleToCashier: true},
		{
			ID: "prd-latte", Name: "Cafe Latte", Price: d("250"), Unit: "pcs", Category: domain.CategoryComposite, VisibleToCashier: true,
			Recipe: []domain.BOMLine{
				{ProductID: "prd-coffee-beans", Quantity: d("0.018"), Unit: "kg"},
				{ProductID: "prd-milk", Quantity: d("0.2"), Unit: "L"},
				{ProductID: "prd-sugar", Quantity: d("0.01"), Unit: "kg"},
				{ProductID: "prd-cup", Quantity: d("1"), Unit: "pcs"},
			},
		},
		{
			ID: "prd-espresso", Name: "Espresso", Price: d("150"), Unit: "pcs", Category: domain.CategoryComposite, VisibleToCashier: true,
			Recipe: []domain.BOMLine{
				{ProductID: "prd-coffee-beans", Quantity: d("0.018"), Unit: "kg"},
				{Name: "Hot water", Quantity: d("0.03"), Unit: "L"},
			},
		},
	}
}

// Users builds the default accounts for dev/demo mode. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling back to dev
// defaults with a warning.
func Users() []domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Str("component", "seed").Msg("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("failed to hash seed password")
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int { return strings.Compare(a.Username, b.Username) })
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
