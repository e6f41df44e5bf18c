package memory

import (
	"context"
	"testing"

	"dukapos/backend/internal/store/storetest"
)

func TestRepositoryBehaviour(t *testing.T) {
	storetest.Run(t, New())
}

func TestNewSeededCatalog(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	products, err := s.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(products) == 0 {
		t.Fatalf("expected seeded catalog")
	}
	for i := 1; i < len(products); i++ {
		if compareProducts(products[i-1], products[i]) > 0 {
			t.Fatalf("products not sorted by category then name at %d", i)
		}
	}

	latte, err := s.GetProduct(ctx, "prd-latte")
	if err != nil {
		t.Fatalf("get latte: %v", err)
	}
	if !latte.IsComposite() || latte.Version != 1 {
		t.Fatalf("unexpected latte %+v", latte)
	}
	latte.Recipe[0].ProductID = "mutated"
	again, _ := s.GetProduct(ctx, "prd-latte")
	if again.Recipe[0].ProductID != "prd-coffee-beans" {
		t.Fatalf("returned products must not alias stored recipes")
	}

	users, _ := s.ListUsers(ctx)
	if len(users) != 2 || users[0].Username != "admin" || users[1].Username != "cashier" {
		t.Fatalf("unexpected seeded users %+v", users)
	}
}
