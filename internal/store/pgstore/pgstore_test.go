package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/lib/pq"

	"github.com/gravitas-games/crafting/internal/store"
	"github.com/gravitas-games/crafting/internal/store/storetest"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code pq.ErrorCode
		want error
	}{
		{"40001", store.ErrConflict},
		{"40P01", store.ErrConflict},
		{"23505", store.ErrConflict},
		{"23514", store.ErrInsufficient},
	}
	for _, tc := range cases {
		err := classify(fmt.Errorf("commit: %w", &pq.Error{Code: tc.code}))
		if !errors.Is(err, tc.want) {
			t.Errorf("code %s: expected %v, got %v", tc.code, tc.want, err)
		}
	}
	other := &pq.Error{Code: "42P01"}
	if err := classify(other); err != other {
		t.Errorf("unrelated errors must pass through, got %v", err)
	}
	if err := classify(store.ErrInsufficient); err != store.ErrInsufficient {
		t.Errorf("store errors must pass through unchanged")
	}
}

// Runs only against a throwaway database named by CRAFTD_TEST_POSTGRES.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("CRAFTD_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("CRAFTD_TEST_POSTGRES not set")
	}
	storetest.Run(t, func(t *testing.T) store.Backend {
		ctx := context.Background()
		s, err := Open(ctx, dsn, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		truncate(t, dsn)
		return s
	})
}

// truncate empties the tables Open created, over a separate connection.
func truncate(t *testing.T, dsn string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	_, err = db.ExecContext(context.Background(), `TRUNCATE inventory_versions, inventory_items, inventory_balls,
		craft_settings, craft_recipes, craft_cooldowns, craft_subscriptions, craft_audit`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}
