package store

import (
	"context"
	"errors"

	"dukapos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrVersionConflict    = errors.New("version conflict")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// Repository is the persistence boundary. Every implementation must apply
// CommitSale atomically and reject it with ErrVersionConflict when any
// StockUpdate's or VersionCheck's ExpectedVersion no longer matches.
// Checked products keep their version.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	CommitSale(ctx context.Context, commit domain.SaleCommit) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	ListExpenses(ctx context.Context, limit int) ([]domain.Expense, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
	DeleteUser(ctx context.Context, username string) error
}

// ValidateCommit checks the shape of a commit before any store touches data.
func ValidateCommit(commit domain.SaleCommit) error {
	if commit.Sale.ID == "" || len(commit.Sale.Items) == 0 {
		return ErrInvalidTransaction
	}
	seen := make(map[string]struct{}, len(commit.Updates))
	for _, update := range commit.Updates {
		if update.ProductID == "" || update.Quantity.IsNegative() || update.Cost.IsNegative() {
			return ErrInvalidTransaction
		}
		if _, dup := seen[update.ProductID]; dup {
			return ErrInvalidTransaction
		}
		seen[update.ProductID] = struct{}{}
	}
	for _, check := range commit.Checks {
		if check.ProductID == "" {
			return ErrInvalidTransaction
		}
		if _, dup := seen[check.ProductID]; dup {
			return ErrInvalidTransaction
		}
		seen[check.ProductID] = struct{}{}
	}
	for _, expense := range commit.Expenses {
		if expense.ID == "" {
			return ErrInvalidTransaction
		}
	}
	return nil
}
