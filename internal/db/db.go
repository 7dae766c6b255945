package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the durable tables on startup. Statements are
// idempotent so repeated boots are safe.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			google_id TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_google_id_idx ON users (google_id) WHERE google_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS plans (
			slug TEXT PRIMARY KEY,
			monthly_words INT NOT NULL,
			request_cap INT NOT NULL,
			price_monthly TEXT NOT NULL DEFAULT '',
			price_yearly TEXT NOT NULL DEFAULT '',
			rank INT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			balance_words INT NOT NULL DEFAULT 0 CHECK (balance_words >= 0),
			plan TEXT NOT NULL DEFAULT 'free',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			plan TEXT NOT NULL DEFAULT 'free',
			billing_interval TEXT NOT NULL DEFAULT 'monthly',
			scheduled_plan TEXT,
			scheduled_plan_effective_at TIMESTAMPTZ,
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ends_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			active BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS memberships_customer_idx ON memberships (stripe_customer_id)`,
		`CREATE INDEX IF NOT EXISTS memberships_subscription_idx ON memberships (stripe_subscription_id)`,
		`CREATE TABLE IF NOT EXISTS usage_history (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			input_text TEXT NOT NULL,
			output_text TEXT NOT NULL,
			words_used INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS usage_history_user_idx ON usage_history (user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS membership_history (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			plan TEXT NOT NULL,
			price_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			period_start TIMESTAMPTZ,
			period_end TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS topups (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			stripe_payment_id TEXT NOT NULL UNIQUE,
			words_added INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
