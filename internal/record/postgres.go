package record

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	jqerrors "github.com/sanchitmoh/DOCDUMP-sub002/internal/errors"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
)

// Postgres implements Store on the document library's relational database.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &jqerrors.StoreConnectionError{Store: "postgres", Err: err}
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS background_jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_background_jobs_pending
			ON background_jobs (kind, priority DESC, created_at)
			WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			extracted_text TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			metadata JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range ddl {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) GetPendingJobs(ctx context.Context, kind job.Kind, limit int) ([]PendingJob, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, kind, payload, priority
		FROM background_jobs
		WHERE kind = $1 AND status = 'pending'
		ORDER BY priority DESC, created_at
		LIMIT $2
	`, string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingJob
	for rows.Next() {
		var pj PendingJob
		var k string
		if err := rows.Scan(&pj.ID, &k, &pj.Payload, &pj.Priority); err != nil {
			return nil, err
		}
		pj.Kind = job.Kind(k)
		out = append(out, pj)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkProcessing(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status='processing', started_at=NOW()
		WHERE id=$1
	`, id)
	return err
}

func (p *Postgres) MarkCompleted(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status='completed', finished_at=NOW(), failure_reason=NULL
		WHERE id=$1
	`, id)
	return err
}

func (p *Postgres) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status='failed', finished_at=NOW(), failure_reason=$2
		WHERE id=$1
	`, id, reason)
	return err
}

func (p *Postgres) SaveExtractedText(ctx context.Context, fileID, text string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (id, extracted_text, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET extracted_text = EXCLUDED.extracted_text, updated_at = NOW()
	`, fileID, text)
	return err
}

func (p *Postgres) GetDocument(ctx context.Context, fileID string) (Document, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, title, extracted_text, tags, metadata
		FROM documents
		WHERE id=$1
	`, fileID)

	var d Document
	if err := row.Scan(&d.ID, &d.Title, &d.Text, &d.Tags, &d.Metadata); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, err
	}
	return d, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
