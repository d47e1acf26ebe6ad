// Package resume tracks in-flight (site, book_id) downloads across
// process restarts, so a crashed run can be resumed instead of re-walking
// a book's whole catalog from scratch. The Postgres backing is opt-in;
// without a DSN every run is fire-and-forget through NoOp.
package resume

import (
	"context"
	"fmt"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Persister tracks in-flight runs.
type Persister interface {
	Persist(ctx context.Context, site, bookID string) error
	InFlight(ctx context.Context) ([]Run, error)
	Delete(ctx context.Context, site, bookID string) error
}

// Run identifies one in-flight download.
type Run struct {
	Site   string
	BookID string
}

// NoOp is used when no resume DSN is configured; every run is treated as
// fire-and-forget.
type NoOp struct{}

func (NoOp) Persist(context.Context, string, string) error { return nil }
func (NoOp) InFlight(context.Context) ([]Run, error)       { return nil, nil }
func (NoOp) Delete(context.Context, string, string) error  { return nil }

// Postgres persists in-flight runs to a Postgres table.
type Postgres struct {
	db *pgxpool.Pool
}

var (
	_ Persister = NoOp{}
	_ Persister = (*Postgres)(nil)
)

// New connects to dsn and ensures the resume table exists. If reg is
// non-nil, a pgxpoolprometheus collector is registered against it so the
// pool's connection stats land on /metrics alongside everything else.
func New(ctx context.Context, dsn string, reg *prometheus.Registry) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing resume dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting resume db: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS inflight_runs (
			site    TEXT NOT NULL,
			book_id TEXT NOT NULL,
			PRIMARY KEY (site, book_id)
		)`)
	if err != nil {
		return nil, fmt.Errorf("creating resume table: %w", err)
	}

	if reg != nil {
		reg.MustRegister(pgxpoolprometheus.NewCollector(pool, map[string]string{"pool": "resume"}))
	}

	return &Postgres{db: pool}, nil
}

// Persist records (site, bookID) as in-flight.
func (p *Postgres) Persist(ctx context.Context, site, bookID string) error {
	_, err := p.db.Exec(ctx, `INSERT INTO inflight_runs (site, book_id) VALUES ($1, $2)
		ON CONFLICT (site, book_id) DO NOTHING`, site, bookID)
	return err
}

// Delete marks (site, bookID) as completed.
func (p *Postgres) Delete(ctx context.Context, site, bookID string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM inflight_runs WHERE site = $1 AND book_id = $2`, site, bookID)
	return err
}

// InFlight returns every run that was in progress when the process last
// exited, so the caller can resume them.
func (p *Postgres) InFlight(ctx context.Context) ([]Run, error) {
	rows, err := p.db.Query(ctx, `SELECT site, book_id FROM inflight_runs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.Site, &r.BookID); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
