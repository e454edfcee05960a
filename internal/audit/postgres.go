package audit

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/bardlex/btcwrap/pkg/errors"
)

const createAuditTable = `
CREATE TABLE IF NOT EXISTS btcwrap_audit (
    id          TEXT PRIMARY KEY,
    command     TEXT NOT NULL,
    method      TEXT NOT NULL,
    params      TEXT[] NOT NULL,
    success     BOOLEAN NOT NULL,
    error_code  TEXT NOT NULL DEFAULT '',
    exit_code   INTEGER NOT NULL,
    duration_ms DOUBLE PRECISION NOT NULL,
    network     TEXT NOT NULL,
    host        TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
)`

const insertAuditRecord = `
INSERT INTO btcwrap_audit (
    id, command, method, params, success, error_code,
    exit_code, duration_ms, network, host, recorded_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

// execer is the part of *sql.DB the sink uses.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

// PostgresSink inserts records into the btcwrap_audit table, creating it on
// first use.
type PostgresSink struct {
	db execer

	mu          sync.Mutex
	schemaReady bool
}

// NewPostgresSink opens a pool for dsn (URL or key=value form). The
// connection itself is established by the first write.
func NewPostgresSink(_ context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "postgres_setup",
			"invalid AUDIT_POSTGRES_URL").
			WithRetryable(false)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Minute)

	return newPostgresSink(db), nil
}

func newPostgresSink(db execer) *PostgresSink {
	return &PostgresSink{db: db}
}

// Name implements Sink
func (p *PostgresSink) Name() string { return "postgres" }

// Write implements Sink
func (p *PostgresSink) Write(ctx context.Context, rec Record) error {
	if err := p.ensureSchema(ctx); err != nil {
		return err
	}

	_, err := p.db.ExecContext(ctx, insertAuditRecord,
		rec.ID,
		rec.Command,
		rec.Method,
		pq.Array(rec.Params),
		rec.Success,
		rec.ErrorCode,
		rec.ExitCode,
		rec.DurationMS(),
		rec.Network,
		rec.Host,
		rec.Timestamp.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeAudit, "postgres_insert",
			"failed to insert audit record")
	}
	return nil
}

func (p *PostgresSink) ensureSchema(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.schemaReady {
		return nil
	}
	if _, err := p.db.ExecContext(ctx, createAuditTable); err != nil {
		return errors.Wrap(err, errors.ErrorTypeAudit, "postgres_schema",
			"failed to create audit table")
	}
	p.schemaReady = true
	return nil
}

// Close implements Sink
func (p *PostgresSink) Close() error {
	return p.db.Close()
}
