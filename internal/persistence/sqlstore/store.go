// Package sqlstore persists job history in PostgreSQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dreschagin/image-studio/internal/studio"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type dialect string

const (
	dialectPostgres dialect = "postgres"
	dialectSQLite   dialect = "sqlite"
)

// Store implements studio.HistoryRepository on database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// OpenPostgres connects with a lib/pq DSN and applies migrations.
func OpenPostgres(ctx context.Context, dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return newStore(ctx, db, dialectPostgres)
}

// OpenSQLite opens or creates the database file at path. ":memory:" is
// accepted for tests.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLite free of SQLITE_BUSY and keeps :memory: a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	return newStore(ctx, db, dialectSQLite)
}

func newStore(ctx context.Context, db *sql.DB, d dialect) (*Store, error) {
	s := &Store{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	createdAt := "TEXT NOT NULL"
	if s.dialect == dialectPostgres {
		createdAt = "TIMESTAMPTZ NOT NULL"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			operation       TEXT NOT NULL,
			prompt          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			cached          BOOLEAN NOT NULL DEFAULT FALSE,
			mask_provided   BOOLEAN NOT NULL DEFAULT FALSE,
			image_bytes     INTEGER NOT NULL DEFAULT 0,
			artifact_key    TEXT NOT NULL DEFAULT '',
			artifact_url    TEXT NOT NULL DEFAULT '',
			upstream_status INTEGER NOT NULL DEFAULT 0,
			error           TEXT NOT NULL DEFAULT '',
			duration_ms     BIGINT NOT NULL DEFAULT 0,
			created_at      ` + createdAt + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save inserts job, replacing an existing row with the same id.
func (s *Store) Save(ctx context.Context, job *studio.Job) error {
	query := `
		INSERT INTO jobs (id, operation, prompt, status, cached, mask_provided, image_bytes,
			artifact_key, artifact_url, upstream_status, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			artifact_key = excluded.artifact_key,
			artifact_url = excluded.artifact_url,
			upstream_status = excluded.upstream_status,
			error = excluded.error,
			duration_ms = excluded.duration_ms
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		job.ID,
		string(job.Operation),
		job.Prompt,
		string(job.Status),
		job.Cached,
		job.MaskProvided,
		job.ImageBytes,
		job.ArtifactKey,
		job.ArtifactURL,
		job.UpstreamStatus,
		job.Error,
		job.DurationMs,
		s.timeValue(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

const selectColumns = `id, operation, prompt, status, cached, mask_provided, image_bytes,
	artifact_key, artifact_url, upstream_status, error, duration_ms, created_at`

// FindByID returns studio.ErrJobNotFound for unknown ids.
func (s *Store) FindByID(ctx context.Context, id string) (*studio.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+selectColumns+` FROM jobs WHERE id = ?`), id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, studio.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// List returns up to limit jobs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*studio.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+selectColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*studio.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*studio.Job, error) {
	var (
		job       studio.Job
		operation string
		status    string
		createdAt any
	)

	err := row.Scan(
		&job.ID,
		&operation,
		&job.Prompt,
		&status,
		&job.Cached,
		&job.MaskProvided,
		&job.ImageBytes,
		&job.ArtifactKey,
		&job.ArtifactURL,
		&job.UpstreamStatus,
		&job.Error,
		&job.DurationMs,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	job.Operation = studio.Operation(operation)
	job.Status = studio.JobStatus(status)
	job.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) timeValue(t time.Time) any {
	if s.dialect == dialectSQLite {
		return t.UTC().Format(timeLayout)
	}
	return t.UTC()
}

func parseTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return time.Parse(timeLayout, v)
	case []byte:
		return time.Parse(timeLayout, string(v))
	default:
		return time.Time{}, fmt.Errorf("unexpected created_at type %T", value)
	}
}

// rebind turns ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
