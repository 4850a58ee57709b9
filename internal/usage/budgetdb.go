package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const createCloudCalls = `
CREATE TABLE IF NOT EXISTS cloud_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cloud_calls_created_at ON cloud_calls (created_at);
`

// BudgetDB persists one row per paid cloud call so month-to-date spend
// survives restarts. Local calls cost nothing and never land here.
type BudgetDB struct {
	db *sql.DB
}

// NewBudgetDB wraps an existing connection without touching the schema.
func NewBudgetDB(db *sql.DB) *BudgetDB {
	return &BudgetDB{db: db}
}

// OpenBudgetDB opens (creating if needed) the budget database at path and
// ensures the schema exists.
func OpenBudgetDB(ctx context.Context, path string) (*BudgetDB, error) {
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open budget db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping budget db: %w", err)
	}

	b := NewBudgetDB(db)
	if err := b.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Migrate creates the cloud_calls table when absent.
func (b *BudgetDB) Migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, createCloudCalls); err != nil {
		return fmt.Errorf("migrate budget db: %w", err)
	}
	return nil
}

// Insert records one cloud call.
func (b *BudgetDB) Insert(ctx context.Context, rec Record) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO cloud_calls (model, prompt_tokens, completion_tokens, cost_usd, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.CostUSD, rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert cloud call: %w", err)
	}
	return nil
}

// SpendSince sums the cost of cloud calls at or after the given instant.
func (b *BudgetDB) SpendSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := b.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM cloud_calls WHERE created_at >= ?`,
		since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum cloud spend: %w", err)
	}
	return total, nil
}

// CallCountSince counts cloud calls at or after the given instant.
func (b *BudgetDB) CallCountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cloud_calls WHERE created_at >= ?`,
		since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count cloud calls: %w", err)
	}
	return count, nil
}

// Close closes the underlying connection.
func (b *BudgetDB) Close() error {
	return b.db.Close()
}
