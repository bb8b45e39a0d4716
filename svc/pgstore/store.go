// Package pgstore persists billing state in PostgreSQL: subscription rows and
// their activity ledger, checkout rate-limit records, promo redemptions and
// the organization/team/template/report collaborators.
package pgstore

import (
	"context"
	"embed"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billingcore/pkg/pg"
	"github.com/dmitrymomot/billingcore/svc/directory"
	"github.com/dmitrymomot/billingcore/svc/fraudguard"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	_ subscription.Repository   = (*Store)(nil)
	_ directory.Organizations   = (*Store)(nil)
	_ directory.Profiles        = (*Store)(nil)
	_ directory.Templates       = (*Store)(nil)
	_ directory.Reports         = (*Store)(nil)
	_ fraudguard.PromoStore     = (*Store)(nil)
	_ fraudguard.CampaignFinder = (*Store)(nil)
)

// Store implements the repositories of the billing services.
type Store struct {
	db DB
}

func New(db DB) *Store {
	if db == nil {
		panic("pgstore: database is required")
	}
	return &Store{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg pg.Config, log *slog.Logger) error {
	return pg.Migrate(ctx, pool, migrations, "migrations", cfg, log)
}

// nullString stores empty strings as NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
