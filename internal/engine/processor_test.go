package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/store/memory"
)

var (
	adminActor   = domain.Actor{Username: "admin", Role: domain.RoleAdmin}
	cashierActor = domain.Actor{Username: "cashier", Role: domain.RoleCashier}
)

func newABStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	ctx := context.Background()
	a := rawProduct("prd-a", "10", "500")
	a.Name = "A"
	if _, err := s.CreateProduct(ctx, a); err != nil {
		t.Fatalf("create A: %v", err)
	}
	b := domain.Product{
		ID:               "prd-b",
		Name:             "B",
		Price:            dec("100"),
		Unit:             "pcs",
		Category:         domain.CategoryComposite,
		VisibleToCashier: true,
		Recipe:           []domain.BOMLine{{ProductID: "prd-a", Quantity: dec("0.02"), Unit: "kg"}},
	}
	if _, err := s.CreateProduct(ctx, b); err != nil {
		t.Fatalf("create B: %v", err)
	}
	return s
}

func sell(productID, qty string) domain.SaleRequest {
	return domain.SaleRequest{Items: []domain.SaleLineRequest{{ProductID: productID, Quantity: dec(qty)}}}
}

func TestProcessCompositeSale(t *testing.T) {
	s := newABStore(t)
	p := NewProcessor(s)

	sale, err := p.Process(context.Background(), cashierActor, sell("prd-b", "3"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !sale.Total.Equal(dec("300")) || !sale.COGS.Equal(dec("3")) || !sale.Profit.Equal(dec("297")) {
		t.Fatalf("unexpected totals total=%s cogs=%s profit=%s", sale.Total, sale.COGS, sale.Profit)
	}
	if sale.CashierID != "cashier" || sale.PaymentMethod != "cash" {
		t.Fatalf("unexpected sale metadata %+v", sale)
	}

	a, _ := s.GetProduct(context.Background(), "prd-a")
	if !a.Quantity.Equal(dec("9.94")) || !a.Cost.Equal(dec("497")) || a.Version != 2 {
		t.Fatalf("unexpected ingredient after sale qty=%s cost=%s version=%d", a.Quantity, a.Cost, a.Version)
	}
}

func TestProcessDirectSaleUsesExplicitPriceAndTotal(t *testing.T) {
	s := newABStore(t)
	p := NewProcessor(s)

	req := domain.SaleRequest{
		Items:         []domain.SaleLineRequest{{ProductID: "prd-a", Quantity: dec("2"), Price: dec("80")}},
		Total:         dec("150"),
		PaymentMethod: "mpesa",
	}
	sale, err := p.Process(context.Background(), adminActor, req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !sale.Items[0].Price.Equal(dec("80")) || !sale.Total.Equal(dec("150")) {
		t.Fatalf("explicit price and total must win, got %+v", sale)
	}
	if !sale.COGS.Equal(dec("100")) || !sale.Profit.Equal(dec("50")) || sale.PaymentMethod != "mpesa" {
		t.Fatalf("unexpected costing %+v", sale)
	}
}

func TestProcessIsAtomicOnInsufficientStock(t *testing.T) {
	s := newABStore(t)
	ctx := context.Background()
	c := rawProduct("prd-c", "1", "10")
	if _, err := s.CreateProduct(ctx, c); err != nil {
		t.Fatalf("create C: %v", err)
	}
	p := NewProcessor(s)

	req := domain.SaleRequest{Items: []domain.SaleLineRequest{
		{ProductID: "prd-b", Quantity: dec("1")},
		{ProductID: "prd-c", Quantity: dec("2")},
	}}
	_, err := p.Process(ctx, adminActor, req)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	var abort *AbortError
	if !errors.As(err, &abort) || abort.State != StateMutating {
		t.Fatalf("expected abort while mutating, got %v", err)
	}

	a, _ := s.GetProduct(ctx, "prd-a")
	if !a.Quantity.Equal(dec("10")) || a.Version != 1 {
		t.Fatalf("first line must not be applied, A=%s v%d", a.Quantity, a.Version)
	}
	if sales, _ := s.ListSales(ctx, 0); len(sales) != 0 {
		t.Fatalf("no sale should be recorded, got %d", len(sales))
	}
}

func TestProcessEmitsExpenseForExpenseOnlyIngredient(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	sugar := rawProduct("prd-sugar", "5", "900")
	sugar.Name = "Sugar"
	sugar.ExpenseOnly = true
	sugar.VisibleToCashier = false
	tea := domain.Product{
		ID: "prd-tea", Name: "Tea", Price: dec("50"), Unit: "pcs", VisibleToCashier: true,
		Recipe: []domain.BOMLine{{ProductID: "prd-sugar", Quantity: dec("0.02")}},
	}
	for _, product := range []domain.Product{sugar, tea} {
		if _, err := s.CreateProduct(ctx, product); err != nil {
			t.Fatalf("create %s: %v", product.ID, err)
		}
	}

	sale, err := NewProcessor(s).Process(ctx, cashierActor, sell("prd-tea", "5"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !sale.COGS.Equal(dec("18")) {
		t.Fatalf("expected cogs 18, got %s", sale.COGS)
	}
	expenses, _ := s.ListExpenses(ctx, 0)
	if len(expenses) != 1 {
		t.Fatalf("expected one automatic expense, got %d", len(expenses))
	}
	got := expenses[0]
	if !got.Amount.Equal(dec("18")) || got.SaleID != sale.ID || got.CreatedBy != "cashier" || got.Description != "Used 0.1 kg of Sugar" {
		t.Fatalf("unexpected expense %+v", got)
	}
	after, _ := s.GetProduct(ctx, "prd-sugar")
	if !after.Quantity.Equal(dec("4.9")) || !after.Cost.Equal(dec("882")) {
		t.Fatalf("unexpected sugar stock %s / %s", after.Quantity, after.Cost)
	}
}

func TestProcessEmitsOneExpensePerIngredientPerLine(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	sugar := rawProduct("prd-sugar", "5", "900")
	sugar.Name = "Sugar"
	sugar.ExpenseOnly = true
	tea := domain.Product{
		ID: "prd-tea", Name: "Tea", Price: dec("50"), Unit: "pcs", VisibleToCashier: true,
		Recipe: []domain.BOMLine{
			{ProductID: "prd-sugar", Quantity: dec("0.01")},
			{ProductID: "prd-sugar", Quantity: dec("0.01")},
		},
	}
	for _, product := range []domain.Product{sugar, tea} {
		if _, err := s.CreateProduct(ctx, product); err != nil {
			t.Fatalf("create %s: %v", product.ID, err)
		}
	}

	req := domain.SaleRequest{Items: []domain.SaleLineRequest{
		{ProductID: "prd-tea", Quantity: dec("5")},
		{ProductID: "prd-tea", Quantity: dec("1")},
	}}
	sale, err := NewProcessor(s).Process(ctx, cashierActor, req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	expenses, _ := s.ListExpenses(ctx, 0)
	if len(expenses) != 2 {
		t.Fatalf("expected one expense per sale line, got %d", len(expenses))
	}
	// newest first
	if !expenses[1].Amount.Equal(dec("18")) || !expenses[0].Amount.Equal(dec("3.6")) {
		t.Fatalf("unexpected amounts %s and %s", expenses[1].Amount, expenses[0].Amount)
	}
	if !sale.COGS.Equal(dec("21.6")) {
		t.Fatalf("expected cogs 21.6, got %s", sale.COGS)
	}
	after, _ := s.GetProduct(ctx, "prd-sugar")
	if !after.Quantity.Equal(dec("4.88")) {
		t.Fatalf("expected 0.12 sugar consumed, got %s left", after.Quantity)
	}
}

func TestProcessAbortReasons(t *testing.T) {
	ctx := context.Background()
	s := newABStore(t)
	hidden := rawProduct("prd-hidden", "5", "50")
	hidden.VisibleToCashier = false
	empty := rawProduct("prd-empty", "0", "0")
	nested := domain.Product{ID: "prd-nested", Name: "Nested", Price: dec("1"), VisibleToCashier: true,
		Recipe: []domain.BOMLine{{ProductID: "prd-b", Quantity: dec("1")}}}
	usesEmpty := domain.Product{ID: "prd-uses-empty", Name: "Uses empty", Price: dec("1"), VisibleToCashier: true,
		Recipe: []domain.BOMLine{{ProductID: "prd-empty", Quantity: dec("1")}}}
	for _, product := range []domain.Product{hidden, empty, nested, usesEmpty} {
		if _, err := s.CreateProduct(ctx, product); err != nil {
			t.Fatalf("create %s: %v", product.ID, err)
		}
	}
	p := NewProcessor(s)

	tests := []struct {
		name  string
		actor domain.Actor
		req   domain.SaleRequest
		want  error
	}{
		{"empty cart", cashierActor, domain.SaleRequest{}, ErrInvalidRequest},
		{"zero quantity", cashierActor, sell("prd-b", "0"), ErrInvalidRequest},
		{"unknown product", cashierActor, sell("prd-missing", "1"), ErrInvalidRequest},
		{"hidden from cashier", cashierActor, sell("prd-hidden", "1"), ErrForbidden},
		{"nested recipe", adminActor, sell("prd-nested", "1"), ErrUnsupportedNestedRecipe},
		{"zero stock ingredient", adminActor, sell("prd-uses-empty", "1"), ErrZeroStockCostUndefined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Process(ctx, tt.actor, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := p.Process(ctx, adminActor, sell("prd-hidden", "1")); err != nil {
		t.Fatalf("admin may sell hidden products: %v", err)
	}
}

// conflictStore fails the first conflicts commits with a version conflict.
type conflictStore struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
	commits   int
}

func (s *conflictStore) CommitSale(ctx context.Context, commit domain.SaleCommit) (*domain.Sale, error) {
	s.mu.Lock()
	s.commits++
	fail := s.commits <= s.conflicts
	s.mu.Unlock()
	if fail {
		return nil, store.ErrVersionConflict
	}
	return s.Store.CommitSale(ctx, commit)
}

func TestProcessRetriesVersionConflicts(t *testing.T) {
	s := &conflictStore{Store: newABStore(t), conflicts: 2}

	sale, err := NewProcessor(s, WithMaxAttempts(3)).Process(context.Background(), cashierActor, sell("prd-b", "1"))
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if s.commits != 3 || !sale.COGS.Equal(dec("1")) {
		t.Fatalf("unexpected commits=%d cogs=%s", s.commits, sale.COGS)
	}
}

func TestProcessGivesUpAfterMaxAttempts(t *testing.T) {
	s := &conflictStore{Store: newABStore(t), conflicts: 10}

	_, err := NewProcessor(s, WithMaxAttempts(2)).Process(context.Background(), cashierActor, sell("prd-b", "1"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if s.commits != 2 {
		t.Fatalf("expected 2 commit attempts, got %d", s.commits)
	}
	a, _ := s.GetProduct(context.Background(), "prd-a")
	if !a.Quantity.Equal(dec("10")) {
		t.Fatalf("stock must be untouched, got %s", a.Quantity)
	}
}

func TestProcessConcurrentSalesNeverOversell(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	if _, err := s.CreateProduct(ctx, rawProduct("prd-stock", "20", "200")); err != nil {
		t.Fatalf("create: %v", err)
	}
	p := NewProcessor(s, WithMaxAttempts(100))

	const workers = 30
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
		short     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(ctx, adminActor, sell("prd-stock", "1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrZeroStockCostUndefined):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if committed != 20 || short != workers-20 {
		t.Fatalf("expected 20 committed and %d rejected, got %d and %d", workers-20, committed, short)
	}
	after, _ := s.GetProduct(ctx, "prd-stock")
	if !after.Quantity.IsZero() || !after.Cost.IsZero() {
		t.Fatalf("expected stock drained exactly, got %s / %s", after.Quantity, after.Cost)
	}

	sales, _ := s.ListSales(ctx, 0)
	cogs := decimal.Zero
	for _, sale := range sales {
		cogs = cogs.Add(sale.COGS)
	}
	if !cogs.Equal(dec("200")) {
		t.Fatalf("total cogs must equal consumed cost basis, got %s", cogs)
	}
}

// failingStore serves reads from the memory store and fails the requested calls.
type failingStore struct {
	*memory.Store
	failReads   bool
	failCommits bool
}

func (s *failingStore) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if s.failReads {
		return nil, errors.New("connection refused")
	}
	return s.Store.GetProducts(ctx, ids)
}

func (s *failingStore) CommitSale(ctx context.Context, commit domain.SaleCommit) (*domain.Sale, error) {
	if s.failCommits {
		return nil, errors.New("disk gone")
	}
	return s.Store.CommitSale(ctx, commit)
}

func TestProcessStoreFailureIsFatalAndLeavesNothingApplied(t *testing.T) {
	tests := []struct {
		name      string
		store     *failingStore
		wantState State
	}{
		{"snapshot read", &failingStore{Store: newABStore(t), failReads: true}, StateResolving},
		{"commit", &failingStore{Store: newABStore(t), failCommits: true}, StateCommitting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			_, err := NewProcessor(tt.store).Process(ctx, cashierActor, sell("prd-b", "3"))
			if !errors.Is(err, ErrFatal) {
				t.Fatalf("expected ErrFatal, got %v", err)
			}
			var abort *AbortError
			if !errors.As(err, &abort) || abort.State != tt.wantState {
				t.Fatalf("expected abort while %s, got %v", tt.wantState, err)
			}

			a, _ := tt.store.GetProduct(ctx, "prd-a")
			if !a.Quantity.Equal(dec("10")) || !a.Cost.Equal(dec("500")) || a.Version != 1 {
				t.Fatalf("stock must be untouched, A=%s/%s v%d", a.Quantity, a.Cost, a.Version)
			}
			if sales, _ := tt.store.ListSales(ctx, 0); len(sales) != 0 {
				t.Fatalf("no sale should be recorded, got %d", len(sales))
			}
			if expenses, _ := tt.store.ListExpenses(ctx, 0); len(expenses) != 0 {
				t.Fatalf("no expense should be recorded, got %d", len(expenses))
			}
		})
	}
}

// recipeEditStore changes B's recipe after the snapshot of the first attempt.
type recipeEditStore struct {
	*memory.Store
	edited  bool
	commits int
}

func (s *recipeEditStore) CommitSale(ctx context.Context, commit domain.SaleCommit) (*domain.Sale, error) {
	s.commits++
	if !s.edited {
		s.edited = true
		b, err := s.GetProduct(ctx, "prd-b")
		if err != nil {
			return nil, err
		}
		b.Recipe = []domain.BOMLine{{ProductID: "prd-a", Quantity: dec("0.04"), Unit: "kg"}}
		if _, err := s.UpdateProduct(ctx, *b); err != nil {
			return nil, err
		}
	}
	return s.Store.CommitSale(ctx, commit)
}

func TestProcessResolvesAgainWhenRecipeChangesBeforeCommit(t *testing.T) {
	s := &recipeEditStore{Store: newABStore(t)}

	sale, err := NewProcessor(s).Process(context.Background(), cashierActor, sell("prd-b", "3"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.commits != 2 {
		t.Fatalf("expected the stale attempt to be rejected and retried, got %d commits", s.commits)
	}
	if !sale.COGS.Equal(dec("6")) {
		t.Fatalf("expected cogs from the edited recipe, got %s", sale.COGS)
	}
	a, _ := s.GetProduct(context.Background(), "prd-a")
	if !a.Quantity.Equal(dec("9.88")) {
		t.Fatalf("expected 0.12 of A consumed, got %s left", a.Quantity)
	}
}
