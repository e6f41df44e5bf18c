// Package storetest holds behaviour checks every store.Repository
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

// Run exercises repo, which must start without the products, sales or
// expenses created here.
func Run(t *testing.T, repo store.Repository) {
	t.Helper()
	t.Run("ProductVersioning", func(t *testing.T) { productVersioning(t, repo) })
	t.Run("CommitSale", func(t *testing.T) { commitSale(t, repo) })
	t.Run("CommitSaleConflict", func(t *testing.T) { commitSaleConflict(t, repo) })
	t.Run("ExpensesAndAudit", func(t *testing.T) { expensesAndAudit(t, repo) })
	t.Run("Users", func(t *testing.T) { users(t, repo) })
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func productVersioning(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	created, err := repo.CreateProduct(ctx, domain.Product{
		ID:       "st-flour",
		Name:     "Flour",
		Quantity: dec("12.5"),
		Cost:     dec("1250"),
		Unit:     "kg",
		Category: domain.CategoryRaw,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}
	if _, err := repo.CreateProduct(ctx, *created); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("duplicate id must be rejected, got %v", err)
	}

	update := *created
	update.Quantity = dec("15")
	updated, err := repo.UpdateProduct(ctx, update)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	if _, err := repo.UpdateProduct(ctx, update); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("stale update must conflict, got %v", err)
	}

	got, err := repo.GetProduct(ctx, "st-flour")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Quantity.Equal(dec("15")) || !got.Cost.Equal(dec("1250")) || got.Version != 2 {
		t.Fatalf("unexpected stored product %+v", got)
	}

	composite := domain.Product{
		ID:       "st-bread",
		Name:     "Bread",
		Price:    dec("80"),
		Unit:     "pcs",
		Category: domain.CategoryComposite,
		Recipe: []domain.BOMLine{
			{ProductID: "st-flour", Quantity: dec("0.25"), Unit: "kg"},
			{Name: "Yeast", Quantity: dec("0.01"), Unit: "kg"},
		},
	}
	if _, err := repo.CreateProduct(ctx, composite); err != nil {
		t.Fatalf("create composite: %v", err)
	}
	batch, err := repo.GetProducts(ctx, []string{"st-flour", "st-bread", "st-missing"})
	if err != nil {
		t.Fatalf("get products: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("missing ids must be skipped, got %d products", len(batch))
	}
	if recipe := batch["st-bread"].Recipe; len(recipe) != 2 || recipe[1].Name != "Yeast" || !recipe[0].Quantity.Equal(dec("0.25")) {
		t.Fatalf("recipe not round-tripped: %+v", recipe)
	}

	if err := repo.DeleteProduct(ctx, "st-bread"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetProduct(ctx, "st-bread"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := repo.DeleteProduct(ctx, "st-bread"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete must report ErrNotFound, got %v", err)
	}
}

func commitFor(saleID string, updates ...domain.StockUpdate) domain.SaleCommit {
	return domain.SaleCommit{
		Sale: domain.Sale{
			ID: saleID,
			Items: []domain.SaleLine{
				{ProductID: "st-oil", Name: "Cooking Oil", Quantity: dec("2"), Price: dec("300"), COGS: dec("400")},
			},
			Total:         dec("600"),
			COGS:          dec("400"),
			Profit:        dec("200"),
			PaymentMethod: "cash",
			CashierID:     "cashier",
			CreatedAt:     time.Now().UTC(),
		},
		Updates: updates,
	}
}

func commitSale(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	if _, err := repo.CreateProduct(ctx, domain.Product{
		ID: "st-oil", Name: "Cooking Oil", Quantity: dec("10"), Cost: dec("2000"), Unit: "L", Category: domain.CategoryRaw,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	commit := commitFor("st-sale-1", domain.StockUpdate{ProductID: "st-oil", ExpectedVersion: 1, Quantity: dec("8"), Cost: dec("1600")})
	commit.Expenses = []domain.Expense{{
		ID:          "st-exp-1",
		Description: "Used 2 L of Cooking Oil",
		Amount:      dec("400"),
		Category:    domain.ExpenseCategoryIngredient,
		Automatic:   true,
		SaleID:      "st-sale-1",
		ProductID:   "st-oil",
		CreatedBy:   "cashier",
		CreatedAt:   time.Now().UTC(),
	}}
	if _, err := repo.CommitSale(ctx, commit); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := repo.CommitSale(ctx, commitFor("st-sale-2", domain.StockUpdate{ProductID: "st-oil", ExpectedVersion: 2, Quantity: dec("6"), Cost: dec("1200")})); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	oil, err := repo.GetProduct(ctx, "st-oil")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !oil.Quantity.Equal(dec("6")) || !oil.Cost.Equal(dec("1200")) || oil.Version != 3 {
		t.Fatalf("unexpected stock after commits %+v", oil)
	}

	sales, err := repo.ListSales(ctx, 1)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 1 || sales[0].ID != "st-sale-2" {
		t.Fatalf("expected newest sale first with limit, got %+v", sales)
	}
	if len(sales[0].Items) != 1 || !sales[0].Items[0].COGS.Equal(dec("400")) {
		t.Fatalf("sale lines not stored: %+v", sales[0].Items)
	}

	expenses, err := repo.ListExpenses(ctx, 0)
	if err != nil {
		t.Fatalf("list expenses: %v", err)
	}
	found := false
	for _, e := range expenses {
		if e.ID == "st-exp-1" {
			found = e.Automatic && e.SaleID == "st-sale-1" && e.Amount.Equal(dec("400"))
		}
	}
	if !found {
		t.Fatalf("automatic expense not stored with its sale link: %+v", expenses)
	}
}

func commitSaleConflict(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	for _, p := range []domain.Product{
		{ID: "st-rice", Name: "Rice", Quantity: dec("5"), Cost: dec("500"), Unit: "kg", Category: domain.CategoryRaw},
		{ID: "st-salt", Name: "Salt", Quantity: dec("5"), Cost: dec("50"), Unit: "kg", Category: domain.CategoryRaw},
	} {
		if _, err := repo.CreateProduct(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}

	stale := commitFor("st-sale-stale",
		domain.StockUpdate{ProductID: "st-rice", ExpectedVersion: 1, Quantity: dec("4"), Cost: dec("400")},
		domain.StockUpdate{ProductID: "st-salt", ExpectedVersion: 7, Quantity: dec("4"), Cost: dec("40")},
	)
	if _, err := repo.CommitSale(ctx, stale); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	rice, _ := repo.GetProduct(ctx, "st-rice")
	if !rice.Quantity.Equal(dec("5")) || rice.Version != 1 {
		t.Fatalf("conflicting commit must not apply any update, rice=%+v", rice)
	}
	sales, _ := repo.ListSales(ctx, 0)
	for _, sale := range sales {
		if sale.ID == "st-sale-stale" {
			t.Fatalf("conflicting sale was stored")
		}
	}

	pinned := commitFor("st-sale-pinned", domain.StockUpdate{ProductID: "st-rice", ExpectedVersion: 1, Quantity: dec("4"), Cost: dec("400")})
	pinned.Checks = []domain.VersionCheck{{ProductID: "st-salt", ExpectedVersion: 2}}
	if _, err := repo.CommitSale(ctx, pinned); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("stale version check must conflict, got %v", err)
	}
	rice, _ = repo.GetProduct(ctx, "st-rice")
	if !rice.Quantity.Equal(dec("5")) || rice.Version != 1 {
		t.Fatalf("commit failing its version check must not apply updates, rice=%+v", rice)
	}

	pinned.Checks = []domain.VersionCheck{{ProductID: "st-salt", ExpectedVersion: 1}}
	if _, err := repo.CommitSale(ctx, pinned); err != nil {
		t.Fatalf("commit with current version check: %v", err)
	}
	salt, _ := repo.GetProduct(ctx, "st-salt")
	if salt.Version != 1 || !salt.Quantity.Equal(dec("5")) {
		t.Fatalf("checked product must keep its version and stock, salt=%+v", salt)
	}

	overlapping := commitFor("st-sale-overlap", domain.StockUpdate{ProductID: "st-rice", ExpectedVersion: 2, Quantity: dec("3"), Cost: dec("300")})
	overlapping.Checks = []domain.VersionCheck{{ProductID: "st-rice", ExpectedVersion: 2}}
	if _, err := repo.CommitSale(ctx, overlapping); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("a product both updated and checked is malformed, got %v", err)
	}

	invalid := commitFor("", domain.StockUpdate{ProductID: "st-rice", ExpectedVersion: 1, Quantity: dec("4"), Cost: dec("400")})
	if _, err := repo.CommitSale(ctx, invalid); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for a sale without id, got %v", err)
	}
}

func expensesAndAudit(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	created, err := repo.CreateExpense(ctx, domain.Expense{
		Description: "Rent",
		Amount:      dec("15000"),
		Category:    domain.ExpenseCategoryGeneral,
		CreatedBy:   "admin",
	})
	if err != nil {
		t.Fatalf("create expense: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("expense id and timestamp must be assigned, got %+v", created)
	}

	for _, action := range []string{"st_first", "st_second"} {
		if err := repo.CreateAuditLog(ctx, domain.AuditLog{ActorUsername: "admin", ActorRole: domain.RoleAdmin, Action: action, EntityType: "product", Detail: "{}"}); err != nil {
			t.Fatalf("audit %s: %v", action, err)
		}
	}
	logs, err := repo.ListAuditLogs(ctx, 1)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "st_second" || logs[0].ID == "" {
		t.Fatalf("expected newest audit entry first, got %+v", logs)
	}
}

func users(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	if err := repo.CreateUser(ctx, domain.UserAccount{Username: " Till2 ", Password: "hash", Role: domain.RoleCashier, Active: true}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := repo.CreateUser(ctx, domain.UserAccount{Username: "till2", Password: "hash", Role: domain.RoleCashier, Active: true}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("duplicate username must be rejected, got %v", err)
	}
	if err := repo.UpdateUserPassword(ctx, "TILL2", "new-hash"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	if err := repo.UpdateUserPassword(ctx, "nobody", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := repo.GetUser(ctx, " TILL2")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Username != "till2" || got.Password != "new-hash" || got.Role != domain.RoleCashier || !got.Active {
		t.Fatalf("unexpected user %+v", got)
	}
	if _, err := repo.GetUser(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := repo.DeleteUser(ctx, "Till2"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := repo.GetUser(ctx, "till2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted user still readable, got %v", err)
	}
	if err := repo.DeleteUser(ctx, "till2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete must report ErrNotFound, got %v", err)
	}
	list, err := repo.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	for _, u := range list {
		if u.Username == "till2" {
			t.Fatalf("deleted user still listed")
		}
	}
}
