package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Quantities and amounts travel as JSON numbers, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	CategoryRaw         = "raw"
	CategoryComposite   = "composite"
	CategoryExpenseOnly = "expense-only"
)

const (
	ExpenseCategoryIngredient = "ingredient"
	ExpenseCategoryGeneral    = "general"
)

var Units = []string{"pcs", "kg", "g", "L", "ml"}

// Product is a catalog entry. Cost is the total cost basis of the whole
// on-hand Quantity, not a per-unit price.
type Product struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	Cost             decimal.Decimal `json:"cost"`
	Quantity         decimal.Decimal `json:"quantity"`
	Unit             string          `json:"unit"`
	Category         string          `json:"category"`
	Recipe           []BOMLine       `json:"recipe,omitempty"`
	VisibleToCashier bool            `json:"visibleToCashier"`
	ExpenseOnly      bool            `json:"expenseOnly"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

func (p Product) IsComposite() bool {
	return len(p.Recipe) > 0
}

// BOMLine references an ingredient by ProductID, or by Name only when the
// ingredient is not in the catalog yet.
type BOMLine struct {
	ProductID string          `json:"productId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit,omitempty"`
}

type ProductCreateRequest struct {
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	Cost             decimal.Decimal `json:"cost"`
	Quantity         decimal.Decimal `json:"quantity"`
	Unit             string          `json:"unit"`
	Recipe           []BOMLine       `json:"recipe,omitempty"`
	VisibleToCashier *bool           `json:"visibleToCashier,omitempty"`
	ExpenseOnly      bool            `json:"expenseOnly"`
}

// ProductUpdateRequest names the catalog fields an admin may edit.
// Quantity and cost change only through restock and sales.
type ProductUpdateRequest struct {
	Name             *string          `json:"name,omitempty"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	Unit             *string          `json:"unit,omitempty"`
	Recipe           *[]BOMLine       `json:"recipe,omitempty"`
	VisibleToCashier *bool            `json:"visibleToCashier,omitempty"`
	ExpenseOnly      *bool            `json:"expenseOnly,omitempty"`
}

type RestockRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	Cost     decimal.Decimal `json:"cost"`
}

// StockUpdate is the only mutation the sale engine may apply to a product.
type StockUpdate struct {
	ProductID       string          `json:"productId"`
	ExpectedVersion int64           `json:"expectedVersion"`
	Quantity        decimal.Decimal `json:"quantity"`
	Cost            decimal.Decimal `json:"cost"`
}

type SaleLineRequest struct {
	ProductID string          `json:"productId"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type SaleRequest struct {
	Items         []SaleLineRequest `json:"items"`
	Total         decimal.Decimal   `json:"total"`
	PaymentMethod string            `json:"paymentMethod"`
}

type SaleLine struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	COGS      decimal.Decimal `json:"cogs"`
}

type Sale struct {
	ID            string          `json:"id"`
	Items         []SaleLine      `json:"items"`
	Total         decimal.Decimal `json:"total"`
	COGS          decimal.Decimal `json:"cogs"`
	Profit        decimal.Decimal `json:"profit"`
	PaymentMethod string          `json:"paymentMethod"`
	CashierID     string          `json:"cashierId"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type Expense struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Automatic   bool            `json:"automatic"`
	SaleID      string          `json:"saleId,omitempty"`
	ProductID   string          `json:"productId,omitempty"`
	CreatedBy   string          `json:"createdBy,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type ExpenseCreateRequest struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
}

// VersionCheck pins a product the sale read but does not write, such as the
// composite whose recipe was expanded.
type VersionCheck struct {
	ProductID       string
	ExpectedVersion int64
}

// SaleCommit is persisted as one unit: all stock updates, the sale and its
// automatic expenses, or nothing.
type SaleCommit struct {
	Sale     Sale
	Updates  []StockUpdate
	Checks   []VersionCheck
	Expenses []Expense
}

type MaxProducible struct {
	ProductID          string  `json:"productId"`
	MaxUnits           int64   `json:"maxUnits"`
	LimitingIngredient *string `json:"limitingIngredient"`
}

type Stats struct {
	TotalSales    decimal.Decimal `json:"totalSales"`
	TotalCOGS     decimal.Decimal `json:"totalCOGS"`
	TotalExpenses decimal.Decimal `json:"totalExpenses"`
	// AutomaticExpenses is the part of TotalExpenses already counted in TotalCOGS.
	AutomaticExpenses decimal.Decimal `json:"automaticExpenses"`
	GrossProfit       decimal.Decimal `json:"grossProfit"`
	NetProfit         decimal.Decimal `json:"netProfit"`
	SalesCount        int             `json:"salesCount"`
	DailySales        decimal.Decimal `json:"dailySales"`
	WeeklySales       decimal.Decimal `json:"weeklySales"`
	ProductCount      int             `json:"productCount"`
	Currency          string          `json:"currency"`
	GeneratedAt       time.Time       `json:"generatedAt"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expiresAt"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type UserProfile struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actorUsername"`
	ActorRole     string    `json:"actorRole"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entityType"`
	EntityID      string    `json:"entityId"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"createdAt"`
}
