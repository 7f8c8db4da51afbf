// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobsweep/jobsweep/internal/collector"
	"github.com/jobsweep/jobsweep/internal/dedupe"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostingStoreConfig controls the Postgres connection pool used for
// posting rows.
type PostingStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PostingStore archives collected postings into Postgres for downstream
// analysis.
type PostingStore struct {
	pool  execCloser
	table string
}

// NewPostingStore creates a Postgres-backed PostingStore using the provided config.
func NewPostingStore(ctx context.Context, cfg PostingStoreConfig) (*PostingStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "postings"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostingStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewPostingStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostingStoreWithPool(pool execCloser, table string) (*PostingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "postings"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostingStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *PostingStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordPostings inserts the given postings, keyed by their dedupe
// hash. Conflicts on the hash are skipped so re-archiving a run is
// harmless.
func (s *PostingStore) RecordPostings(ctx context.Context, runID string, jobs []collector.Job) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("posting store is not configured")
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	hash,
	run_id,
	source,
	title,
	company,
	location,
	link,
	external_id,
	salary,
	job_type,
	description,
	date_posted,
	collected_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
) ON CONFLICT (hash) DO NOTHING`, s.table)

	for _, job := range jobs {
		args := []any{
			dedupe.Hash(job),
			runID,
			job.Source,
			job.Title,
			job.Company,
			job.Location,
			job.Link,
			job.ExternalID,
			job.Salary,
			job.JobType,
			job.Description,
			job.DatePosted,
			job.CollectedAt,
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert posting: %w", err)
		}
	}
	return nil
}
