package postgres

import (
	"context"
	"os"
	"testing"

	"dukapos/backend/internal/store/storetest"
)

// Runs against a disposable database named by DUKAPOS_TEST_DATABASE_URL.
// Every table is truncated first.
func TestRepositoryBehaviour(t *testing.T) {
	url := os.Getenv("DUKAPOS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DUKAPOS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	s, err := New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	if _, err := s.db.ExecContext(ctx, `TRUNCATE sale_items, sales, expenses, audit_logs, products, users`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	storetest.Run(t, s)
}
