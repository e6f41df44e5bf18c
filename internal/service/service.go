package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"dukapos/backend/internal/cache"
	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/engine"
	"dukapos/backend/internal/report"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

var (
	ErrAdminRequired = errors.New("admin role required")
	ErrProductInUse  = errors.New("product is used by a recipe")
)

const statsCacheKey = "stats"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Config struct {
	Currency        string
	StatsTTL        time.Duration
	SaleMaxAttempts int
}

type Service struct {
	repo      store.Repository
	processor *engine.Processor
	cache     cache.StatsCache
	statsTTL  time.Duration
	currency  string
	group     singleflight.Group
	statsGen  atomic.Uint64
	now       func() time.Time
}

func New(repo store.Repository, statsCache cache.StatsCache, cfg Config) *Service {
	if statsCache == nil {
		statsCache = cache.NoopStatsCache{}
	}
	if cfg.Currency == "" {
		cfg.Currency = "KSH"
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = 30 * time.Second
	}

	return &Service{
		repo:      repo,
		processor: engine.NewProcessor(repo, engine.WithMaxAttempts(cfg.SaleMaxAttempts)),
		cache:     statsCache,
		statsTTL:  cfg.StatsTTL,
		currency:  cfg.Currency,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	return engine.VisibleCatalog(actorRole(ctx), products), nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Unit = normalizeUnit(req.Unit)
	if req.Name == "" || !slices.Contains(domain.Units, req.Unit) {
		return domain.Product{}, store.ErrInvalidTransaction
	}
	if req.Price.IsNegative() || req.Cost.IsNegative() || req.Quantity.IsNegative() {
		return domain.Product{}, store.ErrInvalidTransaction
	}

	product := domain.Product{
		Name:             req.Name,
		Price:            req.Price,
		Cost:             req.Cost,
		Quantity:         req.Quantity,
		Unit:             req.Unit,
		Recipe:           req.Recipe,
		VisibleToCashier: true,
		ExpenseOnly:      req.ExpenseOnly,
	}
	if req.VisibleToCashier != nil {
		product.VisibleToCashier = *req.VisibleToCashier
	}
	if product.IsComposite() {
		// stock of a composite lives in its ingredients
		product.Quantity = decimal.Zero
		product.Cost = decimal.Zero
	}
	if err := s.validateRecipe(ctx, product); err != nil {
		return domain.Product{}, err
	}
	product.Category = deriveCategory(product)

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, created)
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	saved, err := s.mutateProduct(ctx, id, func(p *domain.Product) error {
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return store.ErrInvalidTransaction
			}
			p.Name = name
		}
		if req.Price != nil {
			if req.Price.IsNegative() {
				return store.ErrInvalidTransaction
			}
			p.Price = *req.Price
		}
		if req.Unit != nil {
			unit := normalizeUnit(*req.Unit)
			if !slices.Contains(domain.Units, unit) {
				return store.ErrInvalidTransaction
			}
			p.Unit = unit
		}
		if req.Recipe != nil {
			if len(*req.Recipe) > 0 && !p.IsComposite() && p.Quantity.IsPositive() {
				// turning stocked goods into a composite would strand the stock
				return store.ErrInvalidTransaction
			}
			p.Recipe = slices.Clone(*req.Recipe)
		}
		if req.VisibleToCashier != nil {
			p.VisibleToCashier = *req.VisibleToCashier
		}
		if req.ExpenseOnly != nil {
			p.ExpenseOnly = *req.ExpenseOnly
		}
		if err := s.validateRecipe(ctx, *p); err != nil {
			return err
		}
		p.Category = deriveCategory(*p)
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, req)
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return err
	}
	for _, p := range products {
		for _, bom := range p.Recipe {
			if bom.ProductID == id {
				return fmt.Errorf("%w: %s", ErrProductInUse, p.Name)
			}
		}
	}

	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "product_delete", "product", id, nil)
	s.invalidateStats(ctx)
	return nil
}

// Restock adds a received batch to a stocked product. The batch cost joins
// the stock-level cost basis, so unit cost becomes the weighted average.
func (s *Service) Restock(ctx context.Context, id string, req domain.RestockRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if !req.Quantity.IsPositive() || req.Cost.IsNegative() {
		return domain.Product{}, store.ErrInvalidTransaction
	}

	saved, err := s.mutateProduct(ctx, id, func(p *domain.Product) error {
		if p.IsComposite() {
			return store.ErrInvalidTransaction
		}
		p.Quantity = p.Quantity.Add(req.Quantity)
		p.Cost = p.Cost.Add(req.Cost)
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_restock", "product", saved.ID, req)
	return *saved, nil
}

func (s *Service) MaxProducible(ctx context.Context, id string) (domain.MaxProducible, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.MaxProducible{}, err
	}
	if len(engine.VisibleCatalog(actorRole(ctx), []domain.Product{*product})) == 0 {
		return domain.MaxProducible{}, store.ErrNotFound
	}

	catalog, err := s.repo.GetProducts(ctx, engine.IngredientIDs(*product))
	if err != nil {
		return domain.MaxProducible{}, err
	}
	return engine.MaxProducible(*product, catalog), nil
}

// RecordSale runs the sale through the transaction engine as the actor in ctx.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Role: domain.RoleCashier}
	}

	sale, err := s.processor.Process(ctx, actor, req)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_create", "sale", sale.ID, map[string]any{
		"total":  sale.Total,
		"cogs":   sale.COGS,
		"items":  len(sale.Items),
		"method": sale.PaymentMethod,
	})
	s.invalidateStats(ctx)
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, clampLimit(limit))
}

func (s *Service) ListExpenses(ctx context.Context, limit int) ([]domain.Expense, error) {
	return s.repo.ListExpenses(ctx, clampLimit(limit))
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.Expense{}, err
	}

	req.Description = strings.TrimSpace(req.Description)
	req.Category = strings.ToLower(strings.TrimSpace(req.Category))
	if req.Description == "" || !req.Amount.IsPositive() {
		return domain.Expense{}, store.ErrInvalidTransaction
	}
	if req.Category == "" {
		req.Category = domain.ExpenseCategoryGeneral
	}

	created, err := s.repo.CreateExpense(ctx, domain.Expense{
		ID:          xid.New("exp"),
		Description: req.Description,
		Amount:      req.Amount.Round(engine.MoneyScale),
		Category:    req.Category,
		CreatedBy:   actor.Username,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return domain.Expense{}, err
	}

	s.logAudit(ctx, "expense_create", "expense", created.ID, req)
	s.invalidateStats(ctx)
	return *created, nil
}

// Stats serves the dashboard figures from cache, collapsing concurrent
// misses into one computation.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	cached, found, err := s.cache.Get(ctx, statsCacheKey)
	if err != nil {
		log.Warn().Err(err).Msg("stats cache read failed")
	}
	if found && cached != nil {
		return *cached, nil
	}

	v, err, _ := s.group.Do(statsCacheKey, func() (interface{}, error) {
		return s.RefreshStats(ctx)
	})
	if err != nil {
		return domain.Stats{}, err
	}
	return *v.(*domain.Stats), nil
}

// RefreshStats recomputes the stats and replaces the cached copy. Figures
// computed across an invalidation are returned but never left in the cache.
func (s *Service) RefreshStats(ctx context.Context) (*domain.Stats, error) {
	gen := s.statsGen.Load()
	stats, err := s.computeStats(ctx)
	if err != nil {
		return nil, err
	}
	if s.statsGen.Load() != gen {
		log.Debug().Msg("stats changed during refresh, skipping cache write")
		return stats, nil
	}
	if err := s.cache.Set(ctx, statsCacheKey, stats, s.statsTTL); err != nil {
		log.Warn().Err(err).Msg("stats cache write failed")
	}
	if s.statsGen.Load() != gen {
		s.dropCachedStats(ctx)
	}
	return stats, nil
}

func (s *Service) computeStats(ctx context.Context) (*domain.Stats, error) {
	sales, err := s.repo.ListSales(ctx, 0)
	if err != nil {
		return nil, err
	}
	expenses, err := s.repo.ListExpenses(ctx, 0)
	if err != nil {
		return nil, err
	}
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := dayStart.AddDate(0, 0, -((int(dayStart.Weekday()) + 6) % 7))

	stats := &domain.Stats{
		TotalSales:        decimal.Zero,
		TotalCOGS:         decimal.Zero,
		TotalExpenses:     decimal.Zero,
		AutomaticExpenses: decimal.Zero,
		DailySales:        decimal.Zero,
		WeeklySales:       decimal.Zero,
		SalesCount:        len(sales),
		ProductCount:      len(products),
		Currency:          s.currency,
		GeneratedAt:       now,
	}
	for _, sale := range sales {
		stats.TotalSales = stats.TotalSales.Add(sale.Total)
		stats.TotalCOGS = stats.TotalCOGS.Add(sale.COGS)
		if !sale.CreatedAt.Before(dayStart) {
			stats.DailySales = stats.DailySales.Add(sale.Total)
		}
		if !sale.CreatedAt.Before(weekStart) {
			stats.WeeklySales = stats.WeeklySales.Add(sale.Total)
		}
	}
	for _, e := range expenses {
		stats.TotalExpenses = stats.TotalExpenses.Add(e.Amount)
		if e.Automatic {
			stats.AutomaticExpenses = stats.AutomaticExpenses.Add(e.Amount)
		}
	}
	stats.GrossProfit = stats.TotalSales.Sub(stats.TotalCOGS)
	stats.NetProfit = stats.GrossProfit.Sub(stats.TotalExpenses.Sub(stats.AutomaticExpenses))
	return stats, nil
}

// LowStock lists stocked products whose quantity is at or below threshold.
func (s *Service) LowStock(ctx context.Context, threshold decimal.Decimal) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	low := make([]domain.Product, 0)
	for _, p := range products {
		if p.IsComposite() {
			continue
		}
		if p.Quantity.LessThanOrEqual(threshold) {
			low = append(low, p)
		}
	}
	return low, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 200
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) SalesWorkbook(ctx context.Context) ([]byte, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	sales, err := s.repo.ListSales(ctx, 0)
	if err != nil {
		return nil, err
	}
	expenses, err := s.repo.ListExpenses(ctx, 0)
	if err != nil {
		return nil, err
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return report.SalesWorkbook(sales, expenses, stats)
}

func (s *Service) ExpensesCSV(ctx context.Context) ([]byte, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	expenses, err := s.repo.ListExpenses(ctx, 0)
	if err != nil {
		return nil, err
	}
	return report.ExpensesCSV(expenses)
}

// mutateProduct applies change to a fresh copy of the product and writes it
// back with a version check, rereading on conflict.
func (s *Service) mutateProduct(ctx context.Context, id string, change func(*domain.Product) error) (*domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, store.ErrInvalidTransaction
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		existing, err := s.repo.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		updated := *existing
		if err := change(&updated); err != nil {
			return nil, err
		}
		saved, err := s.repo.UpdateProduct(ctx, updated)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// validateRecipe enforces single-level recipes on write.
func (s *Service) validateRecipe(ctx context.Context, product domain.Product) error {
	if !product.IsComposite() {
		return nil
	}
	if product.ExpenseOnly {
		return store.ErrInvalidTransaction
	}

	ids := make([]string, 0, len(product.Recipe))
	for _, bom := range product.Recipe {
		if !bom.Quantity.IsPositive() {
			return store.ErrInvalidTransaction
		}
		if bom.ProductID == "" && strings.TrimSpace(bom.Name) == "" {
			return store.ErrInvalidTransaction
		}
		if bom.ProductID != "" && bom.ProductID == product.ID {
			return fmt.Errorf("%w: %s uses itself", engine.ErrUnsupportedNestedRecipe, product.Name)
		}
		if bom.ProductID != "" {
			if slices.Contains(ids, bom.ProductID) {
				return fmt.Errorf("%w: %s lists ingredient %s twice", store.ErrInvalidTransaction, product.Name, bom.ProductID)
			}
			ids = append(ids, bom.ProductID)
		}
	}

	ingredients, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return err
	}
	for _, ingredient := range ingredients {
		if ingredient.IsComposite() {
			return fmt.Errorf("%w: %s uses composite %s", engine.ErrUnsupportedNestedRecipe, product.Name, ingredient.Name)
		}
	}

	if product.ID == "" {
		return nil
	}
	// a product that gains a recipe must not already be someone's ingredient
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return err
	}
	for _, other := range products {
		if other.ID == product.ID {
			continue
		}
		for _, bom := range other.Recipe {
			if bom.ProductID == product.ID {
				return fmt.Errorf("%w: %s is an ingredient of %s", engine.ErrUnsupportedNestedRecipe, product.Name, other.Name)
			}
		}
	}
	return nil
}

// invalidateStats drops the cached stats and detaches callers from any
// refresh already in flight.
func (s *Service) invalidateStats(ctx context.Context) {
	s.statsGen.Add(1)
	s.group.Forget(statsCacheKey)
	s.dropCachedStats(ctx)
}

func (s *Service) dropCachedStats(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, statsCacheKey); err != nil {
		log.Warn().Err(err).Msg("stats cache invalidation failed")
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail any) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	payload := ""
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			log.Warn().Err(err).Str("action", action).Msg("audit detail not serializable")
		} else {
			payload = string(raw)
		}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        payload,
		CreatedAt:     s.now(),
	}); err != nil {
		log.Warn().Err(err).
			Str("action", action).
			Str("entity", entityType+"/"+entityID).
			Msg("failed to write audit log")
	}
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrAdminRequired
	}
	return actor, nil
}

func actorRole(ctx context.Context) string {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.RoleCashier
	}
	return actor.Role
}

func deriveCategory(p domain.Product) string {
	switch {
	case p.IsComposite():
		return domain.CategoryComposite
	case p.ExpenseOnly:
		return domain.CategoryExpenseOnly
	default:
		return domain.CategoryRaw
	}
}

func normalizeUnit(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return "pcs"
	}
	if strings.EqualFold(unit, "l") {
		return "L"
	}
	return strings.ToLower(unit)
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
