package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store/storetest"
)

func openTemp(t *testing.T, path string, withCatalog bool) *Store {
	t.Helper()
	s, err := Open(path, withCatalog)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestRepositoryBehaviour(t *testing.T) {
	s := openTemp(t, filepath.Join(t.TempDir(), "dukapos.db"), false)
	defer s.Close()

	storetest.Run(t, s)
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dukapos.db")
	ctx := context.Background()

	s := openTemp(t, path, true)
	milk, err := s.GetProduct(ctx, "prd-milk")
	if err != nil {
		t.Fatalf("seeded milk: %v", err)
	}
	_, err = s.CommitSale(ctx, domain.SaleCommit{
		Sale: domain.Sale{
			ID:        "sale-1",
			Items:     []domain.SaleLine{{ProductID: "prd-milk", Name: "Fresh Milk", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(200), COGS: decimal.NewFromInt(120)}},
			Total:     decimal.NewFromInt(200),
			COGS:      decimal.NewFromInt(120),
			Profit:    decimal.NewFromInt(80),
			CashierID: "admin",
		},
		Updates: []domain.StockUpdate{{
			ProductID:       "prd-milk",
			ExpectedVersion: milk.Version,
			Quantity:        milk.Quantity.Sub(decimal.NewFromInt(1)),
			Cost:            milk.Cost.Sub(decimal.NewFromInt(120)),
		}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTemp(t, path, true)
	defer reopened.Close()

	after, err := reopened.GetProduct(ctx, "prd-milk")
	if err != nil {
		t.Fatalf("milk after reopen: %v", err)
	}
	if !after.Quantity.Equal(decimal.NewFromInt(19)) || !after.Cost.Equal(decimal.NewFromInt(2280)) || after.Version != milk.Version+1 {
		t.Fatalf("unexpected milk after reopen %+v", after)
	}
	sales, _ := reopened.ListSales(ctx, 0)
	if len(sales) != 1 || sales[0].ID != "sale-1" {
		t.Fatalf("sale not persisted: %+v", sales)
	}
	users, _ := reopened.ListUsers(ctx)
	if len(users) != 2 {
		t.Fatalf("seed users must not be duplicated on reopen, got %d", len(users))
	}
}
