package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/request-gateway/internal/domain"
)

const deadLettersSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	composite_id  TEXT        NOT NULL,
	company_id    BIGINT      NOT NULL,
	request_id    BIGINT      NOT NULL,
	error_source  TEXT        NOT NULL,
	error_message TEXT        NOT NULL DEFAULT '',
	error_code    TEXT        NOT NULL DEFAULT '',
	attempts      INTEGER     NOT NULL DEFAULT 0,
	payload       JSONB       NOT NULL,
	failed_at     TIMESTAMPTZ NOT NULL,
	archived_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (composite_id, failed_at)
);
CREATE INDEX IF NOT EXISTS dead_letters_failed_at_idx ON dead_letters (failed_at DESC);
`

// DeadLetterRepo archives dead letters in PostgreSQL.
type DeadLetterRepo struct {
	Pool PgxPool
	now  func() time.Time
}

// NewDeadLetterRepo constructs a DeadLetterRepo with the given pool.
func NewDeadLetterRepo(p PgxPool) *DeadLetterRepo {
	return &DeadLetterRepo{Pool: p, now: time.Now}
}

// EnsureSchema creates the table and index if missing.
func (r *DeadLetterRepo) EnsureSchema(ctx domain.Context) error {
	if _, err := r.Pool.Exec(ctx, deadLettersSchema); err != nil {
		return fmt.Errorf("op=dead_letters.ensure_schema: %w", err)
	}
	return nil
}

// Insert stores dl. Re-inserting the same failure is a no-op.
func (r *DeadLetterRepo) Insert(ctx domain.Context, dl domain.DeadLetter) error {
	ctx, span := otel.Tracer("repo.dead_letters").Start(ctx, "dead_letters.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "dead_letters"),
		attribute.String("composite_id", dl.CompositeID()),
	)
	payload, err := dl.Payload()
	if err != nil {
		return fmt.Errorf("op=dead_letters.insert: %w", err)
	}
	q := `INSERT INTO dead_letters (composite_id, company_id, request_id, error_source, error_message, error_code, attempts, payload, failed_at, archived_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10)
ON CONFLICT (composite_id, failed_at) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q,
		dl.CompositeID(), dl.Job.CompanyID, dl.Job.RequestID,
		string(dl.ErrorSource), dl.ErrorMessage, dl.ErrorCode, dl.Attempts,
		string(payload), dl.FailedAt.UTC(), r.now().UTC())
	if err != nil {
		return fmt.Errorf("op=dead_letters.insert: %w", err)
	}
	return nil
}

// ListRecent returns up to limit dead letters, newest first.
func (r *DeadLetterRepo) ListRecent(ctx domain.Context, limit int) ([]domain.DeadLetter, error) {
	ctx, span := otel.Tracer("repo.dead_letters").Start(ctx, "dead_letters.ListRecent")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx, `SELECT payload FROM dead_letters ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dead_letters.list: %w", err)
	}
	defer rows.Close()
	out := make([]domain.DeadLetter, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("op=dead_letters.list: %w", err)
		}
		var dl domain.DeadLetter
		if err := json.Unmarshal(payload, &dl); err != nil {
			return nil, fmt.Errorf("op=dead_letters.list: decode: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dead_letters.list: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes rows that failed before now-retention.
func (r *DeadLetterRepo) DeleteOlderThan(ctx domain.Context, retention time.Duration) (int64, error) {
	cutoff := r.now().Add(-retention).UTC()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM dead_letters WHERE failed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=dead_letters.delete_older: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.DeadLetterArchive = (*DeadLetterRepo)(nil)
