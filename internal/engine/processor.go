package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

// Store is what the processor needs from persistence. CommitSale must be
// all-or-nothing and report store.ErrVersionConflict on a stale snapshot.
type Store interface {
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CommitSale(ctx context.Context, commit domain.SaleCommit) (*domain.Sale, error)
}

type Option func(*Processor)

// WithMaxAttempts bounds how many times a sale is rebuilt from a fresh
// snapshot after a version conflict before it aborts with ErrConflict.
func WithMaxAttempts(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

type Processor struct {
	store       Store
	maxAttempts int
	now         func() time.Time
}

func NewProcessor(s Store, opts ...Option) *Processor {
	p := &Processor{
		store:       s,
		maxAttempts: 3,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// saleRun tracks one Process call through its states.
type saleRun struct {
	state   State
	attempt int
}

func (r *saleRun) enter(state State) {
	r.state = state
	log.Debug().Str("sale_state", state.String()).Int("attempt", r.attempt).Msg("sale transition")
}

// Process turns a sale request into a committed sale, or fails with an
// *AbortError leaving the catalog untouched.
func (p *Processor) Process(ctx context.Context, actor domain.Actor, req domain.SaleRequest) (*domain.Sale, error) {
	run := &saleRun{state: StateReceived}
	if err := validateRequest(req); err != nil {
		return nil, p.abort(run, err)
	}

	for run.attempt = 1; ; run.attempt++ {
		sale, err := p.attempt(ctx, run, actor, req)
		if err == nil {
			run.enter(StateCommitted)
			return sale, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, p.abort(run, err)
		}
		if run.attempt >= p.maxAttempts {
			return nil, p.abort(run, fmt.Errorf("%w after %d attempts", ErrConflict, run.attempt))
		}
		log.Debug().Int("attempt", run.attempt).Msg("sale snapshot stale, resolving again")
	}
}

func (p *Processor) abort(run *saleRun, err error) error {
	failed := run.state
	run.state = StateAborted
	log.Warn().Err(err).Str("sale_state", failed.String()).Msg("sale aborted")
	return &AbortError{State: failed, Err: err}
}

func (p *Processor) attempt(ctx context.Context, run *saleRun, actor domain.Actor, req domain.SaleRequest) (*domain.Sale, error) {
	run.enter(StateResolving)
	lineProducts, catalog, err := p.snapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	resolved := make([][]ResolvedLine, len(req.Items))
	for i, item := range req.Items {
		product := lineProducts[i]
		if err := CanTransact(actor.Role, product); err != nil {
			return nil, err
		}
		lines, err := Resolve(product, item.Quantity, catalog)
		if err != nil {
			return nil, err
		}
		resolved[i] = lines
	}

	run.enter(StateCosting)
	unitCosts, err := unitCostsFor(resolved)
	if err != nil {
		return nil, err
	}
	now := p.now()
	sale := domain.Sale{
		ID:            xid.New("sale"),
		Items:         make([]domain.SaleLine, 0, len(req.Items)),
		COGS:          decimal.Zero,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		CashierID:     actor.Username,
		CreatedAt:     now,
	}
	if sale.PaymentMethod == "" {
		sale.PaymentMethod = "cash"
	}
	expenses := make([]domain.Expense, 0)
	lineTotal := decimal.Zero
	for i, item := range req.Items {
		product := lineProducts[i]
		price := item.Price
		if price.IsZero() {
			price = product.Price
		}
		cogs := LineCOGS(resolved[i], unitCosts)
		sale.Items = append(sale.Items, domain.SaleLine{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  item.Quantity,
			Price:     price,
			COGS:      cogs,
		})
		sale.COGS = sale.COGS.Add(cogs)
		lineTotal = lineTotal.Add(price.Mul(item.Quantity))

		for _, line := range resolved[i] {
			if line.Placeholder {
				continue
			}
			expense := MaybeEmit(line.Ingredient, line.Required, unitCosts[line.Ingredient.ID])
			if expense == nil {
				continue
			}
			expense.ID = xid.New("exp")
			expense.SaleID = sale.ID
			expense.CreatedBy = actor.Username
			expense.CreatedAt = now
			expenses = append(expenses, *expense)
		}
	}
	sale.Total = req.Total
	if sale.Total.IsZero() {
		sale.Total = lineTotal
	}
	sale.Profit = sale.Total.Sub(sale.COGS)

	run.enter(StateMutating)
	updates, err := deductAll(resolved, catalog)
	if err != nil {
		return nil, err
	}

	run.enter(StateCommitting)
	commit := domain.SaleCommit{
		Sale:     sale,
		Updates:  updates,
		Checks:   unchangedLineProducts(lineProducts, updates),
		Expenses: expenses,
	}
	committed, err := p.store.CommitSale(ctx, commit)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return committed, nil
}

// snapshot loads the line products and every catalog ingredient their
// recipes reference. The returned catalog holds both.
func (p *Processor) snapshot(ctx context.Context, req domain.SaleRequest) ([]domain.Product, map[string]domain.Product, error) {
	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		ids = append(ids, item.ProductID)
	}
	catalog, err := p.store.GetProducts(ctx, uniqueIDs(ids))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}

	lineProducts := make([]domain.Product, len(req.Items))
	ingredientIDs := make([]string, 0)
	for i, item := range req.Items {
		product, ok := catalog[item.ProductID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown product %s", ErrInvalidRequest, item.ProductID)
		}
		lineProducts[i] = product
		for _, id := range IngredientIDs(product) {
			if _, loaded := catalog[id]; !loaded {
				ingredientIDs = append(ingredientIDs, id)
			}
		}
	}
	if len(ingredientIDs) == 0 {
		return lineProducts, catalog, nil
	}

	ingredients, err := p.store.GetProducts(ctx, uniqueIDs(ingredientIDs))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	for id, ingredient := range ingredients {
		catalog[id] = ingredient
	}
	return lineProducts, catalog, nil
}

// deductAll buffers every deduction against a working copy of the snapshot
// and returns the resulting stock updates. Nothing is returned if any
// deduction would drive stock negative.
func deductAll(resolved [][]ResolvedLine, catalog map[string]domain.Product) ([]domain.StockUpdate, error) {
	working := make(map[string]domain.Product)
	order := make([]string, 0)
	for _, lines := range resolved {
		for _, line := range lines {
			if line.Placeholder {
				continue
			}
			id := line.Ingredient.ID
			current, touched := working[id]
			if !touched {
				current = catalog[id]
				order = append(order, id)
			}
			next, err := ApplyDeduction(current, line.Required)
			if err != nil {
				return nil, err
			}
			working[id] = next
		}
	}

	updates := make([]domain.StockUpdate, 0, len(order))
	for _, id := range order {
		after := working[id]
		updates = append(updates, domain.StockUpdate{
			ProductID:       id,
			ExpectedVersion: catalog[id].Version,
			Quantity:        after.Quantity,
			Cost:            after.Cost,
		})
	}
	return updates, nil
}

// unchangedLineProducts pins the version of every sold product the commit
// does not already update, so a recipe edited after the snapshot forces a
// fresh resolve.
func unchangedLineProducts(lineProducts []domain.Product, updates []domain.StockUpdate) []domain.VersionCheck {
	written := make(map[string]struct{}, len(updates))
	for _, update := range updates {
		written[update.ProductID] = struct{}{}
	}
	checks := make([]domain.VersionCheck, 0, len(lineProducts))
	for _, product := range lineProducts {
		if _, ok := written[product.ID]; ok {
			continue
		}
		written[product.ID] = struct{}{}
		checks = append(checks, domain.VersionCheck{ProductID: product.ID, ExpectedVersion: product.Version})
	}
	return checks
}

func validateRequest(req domain.SaleRequest) error {
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: sale has no items", ErrInvalidRequest)
	}
	if req.Total.IsNegative() {
		return fmt.Errorf("%w: total must not be negative", ErrInvalidRequest)
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %d has no productId", ErrInvalidRequest, i+1)
		}
		if !item.Quantity.IsPositive() {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidRequest, i+1)
		}
		if item.Price.IsNegative() {
			return fmt.Errorf("%w: item %d price must not be negative", ErrInvalidRequest, i+1)
		}
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
