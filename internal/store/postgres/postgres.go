package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/store/seed"
	"dukapos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the idempotent schema and creates the default accounts
// when the users table is empty.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}

	var users int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&users); err != nil {
		return err
	}
	if users > 0 {
		return nil
	}
	for _, user := range seed.Users() {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO users (username, password, role, active, created_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (username) DO NOTHING
		`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

const productColumns = `id, name, price, cost, quantity, unit, category, recipe, visible_to_cashier, expense_only, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var recipe []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Cost, &p.Quantity, &p.Unit, &p.Category, &recipe,
		&p.VisibleToCashier, &p.ExpenseOnly, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	if len(recipe) > 0 {
		if err := json.Unmarshal(recipe, &p.Recipe); err != nil {
			return domain.Product{}, err
		}
	}
	if len(p.Recipe) == 0 {
		p.Recipe = nil
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY category, name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	recipe, err := recipeJSON(product.Recipe)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	product.Version = 1
	product.CreatedAt = now
	product.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, product.ID, product.Name, product.Price, product.Cost, product.Quantity, product.Unit, product.Category, recipe,
		product.VisibleToCashier, product.ExpenseOnly, product.Version, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	recipe, err := recipeJSON(product.Recipe)
	if err != nil {
		return nil, err
	}

	updated, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $1, price = $2, cost = $3, quantity = $4, unit = $5, category = $6, recipe = $7,
		    visible_to_cashier = $8, expense_only = $9, version = version + 1, updated_at = now()
		WHERE id = $10 AND version = $11
		RETURNING `+productColumns,
		product.Name, product.Price, product.Cost, product.Quantity, product.Unit, product.Category, recipe,
		product.VisibleToCashier, product.ExpenseOnly, product.ID, product.Version))
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, product.ID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrVersionConflict
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CommitSale writes stock updates, the sale, its lines and expenses in one
// serializable transaction. Checked products are share-locked until commit.
// A version mismatch or a serialization failure is reported as
// store.ErrVersionConflict.
func (s *Store) CommitSale(ctx context.Context, commit domain.SaleCommit) (*domain.Sale, error) {
	if err := store.ValidateCommit(commit); err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	for _, update := range commit.Updates {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET quantity = $1, cost = $2, version = version + 1, updated_at = now()
			WHERE id = $3 AND version = $4
		`, update.Quantity, update.Cost, update.ProductID, update.ExpectedVersion)
		if err != nil {
			return nil, mapTxError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected != 1 {
			return nil, store.ErrVersionConflict
		}
	}

	for _, check := range commit.Checks {
		var version int64
		err := pgTx.QueryRowContext(ctx, `SELECT version FROM products WHERE id = $1 FOR SHARE`, check.ProductID).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrVersionConflict
		}
		if err != nil {
			return nil, mapTxError(err)
		}
		if version != check.ExpectedVersion {
			return nil, store.ErrVersionConflict
		}
	}

	sale := commit.Sale
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, total, cogs, profit, payment_method, cashier_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, sale.ID, sale.Total, sale.COGS, sale.Profit, sale.PaymentMethod, sale.CashierID, sale.CreatedAt)
	if err != nil {
		return nil, mapTxError(err)
	}
	for i, item := range sale.Items {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, product_id, name, quantity, price, cogs)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, sale.ID, i+1, item.ProductID, item.Name, item.Quantity, item.Price, item.COGS)
		if err != nil {
			return nil, mapTxError(err)
		}
	}
	for _, expense := range commit.Expenses {
		if err := insertExpense(ctx, pgTx, expense); err != nil {
			return nil, mapTxError(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, total, cogs, profit, payment_method, cashier_id, created_at
		FROM sales
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, nullLimit(limit))
	if err != nil {
		return nil, err
	}

	sales := make([]domain.Sale, 0, 64)
	index := make(map[string]int)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.Total, &sale.COGS, &sale.Profit, &sale.PaymentMethod, &sale.CashierID, &sale.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		index[sale.ID] = len(sales)
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(sales) == 0 {
		return sales, nil
	}

	ids := make([]string, 0, len(sales))
	for _, sale := range sales {
		ids = append(ids, sale.ID)
	}
	itemRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, name, quantity, price, cogs
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var saleID string
		var item domain.SaleLine
		if err := itemRows.Scan(&saleID, &item.ProductID, &item.Name, &item.Quantity, &item.Price, &item.COGS); err != nil {
			return nil, err
		}
		if i, ok := index[saleID]; ok {
			sales[i].Items = append(sales[i].Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	if err := insertExpense(ctx, s.db, expense); err != nil {
		return nil, err
	}
	return &expense, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertExpense(ctx context.Context, db execer, expense domain.Expense) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO expenses (id, description, amount, category, automatic, sale_id, product_id, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, expense.ID, expense.Description, expense.Amount, expense.Category, expense.Automatic,
		nullIfEmpty(expense.SaleID), nullIfEmpty(expense.ProductID), nullIfEmpty(expense.CreatedBy), expense.CreatedAt)
	return err
}

func (s *Store) ListExpenses(ctx context.Context, limit int) ([]domain.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, amount, category, automatic, sale_id, product_id, created_by, created_at
		FROM expenses
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, 64)
	for rows.Next() {
		var e domain.Expense
		var saleID, productID, createdBy sql.NullString
		if err := rows.Scan(&e.ID, &e.Description, &e.Amount, &e.Category, &e.Automatic, &saleID, &productID, &createdBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SaleID = saleID.String
		e.ProductID = productID.String
		e.CreatedBy = createdBy.String
		e.CreatedAt = e.CreatedAt.UTC()
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expenses, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrInvalidTransaction
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $1 WHERE username = $2`, password, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func recipeJSON(recipe []domain.BOMLine) (string, error) {
	if recipe == nil {
		recipe = []domain.BOMLine{}
	}
	raw, err := json.Marshal(recipe)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func mapTxError(err error) error {
	if isSerializationFailure(err) {
		return store.ErrVersionConflict
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isSerializationFailure reports serialization_failure and deadlock_detected.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullLimit(limit int) any {
	if limit < 1 {
		return nil
	}
	return limit
}
