// Package bolt is a single-file durable repository on bbolt. Values are JSON
// documents; every write runs inside one bbolt read-write transaction.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	bbolt "go.etcd.io/bbolt"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/store/seed"
	"dukapos/backend/internal/xid"
)

var (
	bucketProducts = []byte("products")
	bucketSales    = []byte("sales")
	bucketExpenses = []byte("expenses")
	bucketAudit    = []byte("audit_logs")
	bucketUsers    = []byte("users")
)

type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database at path. When withCatalog is true and the
// catalog is empty, the demo catalog is loaded; default users are created
// whenever no user exists yet.
func Open(path string, withCatalog bool) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketProducts, bucketSales, bucketExpenses, bucketAudit, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		if withCatalog && isEmpty(tx.Bucket(bucketProducts)) {
			now := time.Now().UTC()
			for _, p := range seed.Products() {
				p.Version = 1
				p.CreatedAt = now
				p.UpdatedAt = now
				if err := putJSON(tx.Bucket(bucketProducts), []byte(p.ID), p); err != nil {
					return err
				}
			}
			log.Info().Str("component", "bolt-store").Msg("seeded demo catalog")
		}
		if isEmpty(tx.Bucket(bucketUsers)) {
			for _, u := range seed.Users() {
				if err := putJSON(tx.Bucket(bucketUsers), []byte(u.Username), u); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProducts).ForEach(func(_, v []byte) error {
			var p domain.Product
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			products = append(products, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortProducts(products)
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketProducts), []byte(id), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProducts)
		for _, id := range ids {
			var p domain.Product
			err := getJSON(bucket, []byte(id), &p)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			result[id] = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.Version = 1
	product.CreatedAt = now
	product.UpdatedAt = now

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProducts)
		if bucket.Get([]byte(product.ID)) != nil {
			return store.ErrInvalidTransaction
		}
		return putJSON(bucket, []byte(product.ID), product)
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProducts)
		var existing domain.Product
		if err := getJSON(bucket, []byte(product.ID), &existing); err != nil {
			return err
		}
		if existing.Version != product.Version {
			return store.ErrVersionConflict
		}
		product.Version = existing.Version + 1
		product.CreatedAt = existing.CreatedAt
		product.UpdatedAt = time.Now().UTC()
		return putJSON(bucket, []byte(product.ID), product)
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProducts)
		if bucket.Get([]byte(id)) == nil {
			return store.ErrNotFound
		}
		return bucket.Delete([]byte(id))
	})
}

// CommitSale checks versions, rewrites stock, and appends the sale and its
// expenses in one bbolt transaction; any error rolls all of it back.
func (s *Store) CommitSale(_ context.Context, commit domain.SaleCommit) (*domain.Sale, error) {
	if err := store.ValidateCommit(commit); err != nil {
		return nil, err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		products := tx.Bucket(bucketProducts)
		now := time.Now().UTC()
		for _, update := range commit.Updates {
			var p domain.Product
			if err := getJSON(products, []byte(update.ProductID), &p); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return store.ErrVersionConflict
				}
				return err
			}
			if p.Version != update.ExpectedVersion {
				return store.ErrVersionConflict
			}
			p.Quantity = update.Quantity
			p.Cost = update.Cost
			p.Version++
			p.UpdatedAt = now
			if err := putJSON(products, []byte(p.ID), p); err != nil {
				return err
			}
		}

		for _, check := range commit.Checks {
			var p domain.Product
			if err := getJSON(products, []byte(check.ProductID), &p); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return store.ErrVersionConflict
				}
				return err
			}
			if p.Version != check.ExpectedVersion {
				return store.ErrVersionConflict
			}
		}

		if err := appendJSON(tx.Bucket(bucketSales), commit.Sale); err != nil {
			return err
		}
		for _, expense := range commit.Expenses {
			if err := appendJSON(tx.Bucket(bucketExpenses), expense); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sale := commit.Sale
	return &sale, nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	sales := make([]domain.Sale, 0, 64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scanNewestFirst(tx.Bucket(bucketSales), limit, func(v []byte) error {
			var sale domain.Sale
			if err := json.Unmarshal(v, &sale); err != nil {
				return err
			}
			sales = append(sales, sale)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return appendJSON(tx.Bucket(bucketExpenses), expense)
	})
	if err != nil {
		return nil, err
	}
	return &expense, nil
}

func (s *Store) ListExpenses(_ context.Context, limit int) ([]domain.Expense, error) {
	expenses := make([]domain.Expense, 0, 64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scanNewestFirst(tx.Bucket(bucketExpenses), limit, func(v []byte) error {
			var expense domain.Expense
			if err := json.Unmarshal(v, &expense); err != nil {
				return err
			}
			expenses = append(expenses, expense)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return expenses, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return appendJSON(tx.Bucket(bucketAudit), entry)
	})
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}
	logs := make([]domain.AuditLog, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scanNewestFirst(tx.Bucket(bucketAudit), limit, func(v []byte) error {
			var entry domain.AuditLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			logs = append(logs, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidTransaction
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketUsers)
		if bucket.Get([]byte(user.Username)) != nil {
			return store.ErrInvalidTransaction
		}
		return putJSON(bucket, []byte(user.Username), user)
	})
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketUsers), []byte(strings.ToLower(strings.TrimSpace(username))), &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 8)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var user domain.UserAccount
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, user)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketUsers)
		var user domain.UserAccount
		if err := getJSON(bucket, []byte(username), &user); err != nil {
			return err
		}
		user.Password = password
		return putJSON(bucket, []byte(username), user)
	})
}

func (s *Store) DeleteUser(_ context.Context, username string) error {
	key := []byte(strings.ToLower(strings.TrimSpace(username)))
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketUsers)
		if bucket.Get(key) == nil {
			return store.ErrNotFound
		}
		return bucket.Delete(key)
	})
}

func getJSON(bucket *bbolt.Bucket, key []byte, dest any) error {
	raw := bucket.Get(key)
	if raw == nil {
		return store.ErrNotFound
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func putJSON(bucket *bbolt.Bucket, key []byte, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return bucket.Put(key, raw)
}

// appendJSON stores value under the bucket's next sequence number so that
// cursor order is insertion order.
func appendJSON(bucket *bbolt.Bucket, value any) error {
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return putJSON(bucket, key, value)
}

func scanNewestFirst(bucket *bbolt.Bucket, limit int, fn func(v []byte) error) error {
	cursor := bucket.Cursor()
	n := 0
	for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
		if limit > 0 && n >= limit {
			break
		}
		if err := fn(v); err != nil {
			return err
		}
		n++
	}
	return nil
}

func sortProducts(products []domain.Product) {
	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := strings.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func isEmpty(bucket *bbolt.Bucket) bool {
	k, _ := bucket.Cursor().First()
	return k == nil
}
