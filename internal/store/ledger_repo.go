package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
)

// LedgerRepo handles the short-lived protocol ledgers: nonces, idempotency
// records, and rate-limit windows. Expired rows are dropped lazily by the
// DeleteExpired* methods with an injected now.
type LedgerRepo struct{}

// IdempotencyRecord is a stored response for a scoped idempotency key.
type IdempotencyRecord struct {
	Scope     string
	Status    int
	Body      []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RateWindow is a fixed counting window for one bucket.
type RateWindow struct {
	Bucket      string
	Count       int
	WindowStart time.Time
	WindowEnd   time.Time
}

// DeleteExpiredNonces drops nonces whose TTL has passed.
func (r *LedgerRepo) DeleteExpiredNonces(ctx context.Context, q DBTX, now time.Time) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM request_nonces WHERE expires_at <= ?`, ms(now)); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

// InsertNonce records (agentID, nonce). A live duplicate yields ErrReplayDetected.
func (r *LedgerRepo) InsertNonce(ctx context.Context, q DBTX, agentID, nonce string, expiresAt time.Time) error {
	const stmt = `INSERT INTO request_nonces (agent_id, nonce, expires_at) VALUES (?, ?, ?)
ON CONFLICT (agent_id, nonce) DO NOTHING`
	res, err := q.ExecContext(ctx, stmt, agentID, nonce, ms(expiresAt))
	if err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrReplayDetected
	}
	return nil
}

// DeleteExpiredIdempotency drops idempotency records whose TTL has passed.
func (r *LedgerRepo) DeleteExpiredIdempotency(ctx context.Context, q DBTX, now time.Time) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= ?`, ms(now)); err != nil {
		return fmt.Errorf("prune idempotency records: %w", err)
	}
	return nil
}

// GetIdempotency returns the stored response for a scope, or nil.
func (r *LedgerRepo) GetIdempotency(ctx context.Context, q DBTX, scope string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var created, expires int64
	err := q.QueryRowContext(ctx, `SELECT scope, response_status, response_body, created_at, expires_at
FROM idempotency_records WHERE scope = ?`, scope).Scan(&rec.Scope, &rec.Status, &rec.Body, &created, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.CreatedAt = fromMs(created)
	rec.ExpiresAt = fromMs(expires)
	return &rec, nil
}

// PutIdempotency stores a response for a scope. The first stored response wins.
func (r *LedgerRepo) PutIdempotency(ctx context.Context, q DBTX, rec IdempotencyRecord) error {
	const stmt = `INSERT INTO idempotency_records (scope, response_status, response_body, created_at, expires_at)
VALUES (?, ?, ?, ?, ?) ON CONFLICT (scope) DO NOTHING`
	if _, err := q.ExecContext(ctx, stmt, rec.Scope, rec.Status, rec.Body, ms(rec.CreatedAt), ms(rec.ExpiresAt)); err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	return nil
}

// GetWindow returns the current window of a bucket, or nil.
func (r *LedgerRepo) GetWindow(ctx context.Context, q DBTX, bucket string) (*RateWindow, error) {
	var w RateWindow
	var start, end int64
	err := q.QueryRowContext(ctx, `SELECT bucket, count, window_start, window_end FROM rate_limit_windows WHERE bucket = ?`, bucket).
		Scan(&w.Bucket, &w.Count, &start, &end)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get rate window: %w", err)
	}
	w.WindowStart = fromMs(start)
	w.WindowEnd = fromMs(end)
	return &w, nil
}

// PutWindow upserts a bucket's window.
func (r *LedgerRepo) PutWindow(ctx context.Context, q DBTX, w RateWindow) error {
	const stmt = `INSERT INTO rate_limit_windows (bucket, count, window_start, window_end) VALUES (?, ?, ?, ?)
ON CONFLICT (bucket) DO UPDATE SET count = excluded.count, window_start = excluded.window_start, window_end = excluded.window_end`
	if _, err := q.ExecContext(ctx, stmt, w.Bucket, w.Count, ms(w.WindowStart), ms(w.WindowEnd)); err != nil {
		return fmt.Errorf("put rate window: %w", err)
	}
	return nil
}

// DeleteExpiredWindows drops windows that have ended.
func (r *LedgerRepo) DeleteExpiredWindows(ctx context.Context, q DBTX, now time.Time) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE window_end <= ?`, ms(now)); err != nil {
		return fmt.Errorf("prune rate windows: %w", err)
	}
	return nil
}
