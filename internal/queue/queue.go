// Package queue persists analyses that could not run immediately, so they
// survive restarts and can be replayed once connectivity returns.
//
// Every mutation goes through a single SQLite connection guarded by a mutex,
// with synchronous=FULL: a call that returned nil is on disk.
//
// Lifecycle: PENDING -> PROCESSING -> COMPLETED | FAILED, with PROCESSING
// returning to PENDING on a retryable failure or on startup recovery.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/internal/logger"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

// Options configures the queue
type Options struct {
	// Path of the SQLite file, ":memory:" for a throwaway queue
	Path string
	// TTL is how long an entry may wait before it is purged
	TTL time.Duration
	// MaxAttempts bounds the number of claims of one entry
	MaxAttempts int
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Queue is the durable offline analysis queue
type Queue struct {
	db   *sql.DB
	mu   sync.Mutex
	opts Options
	now  func() time.Time
}

// Open opens or creates the queue database, then moves any entry left
// PROCESSING by a previous run back to PENDING
func Open(ctx context.Context, opts Options) (*Queue, error) {
	if opts.TTL <= 0 {
		opts.TTL = 72 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, apperrors.NewPersistenceError("cannot create queue directory", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, apperrors.NewPersistenceError("cannot open queue database", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 10000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, apperrors.NewPersistenceError("cannot configure queue database", fmt.Errorf("%s: %w", pragma, err))
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, apperrors.NewPersistenceError("cannot create queue schema", err)
	}

	q := &Queue{db: db, opts: opts, now: now}

	recovered, err := q.Recover(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if recovered > 0 {
		logger.WithField("count", recovered).Info("Recovered interrupted analyses")
	}
	return q, nil
}

// Close releases the database
func (q *Queue) Close() error {
	return q.db.Close()
}

// MaxAttempts returns the claim budget of one entry
func (q *Queue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

// Enqueue durably stores a new PENDING analysis
func (q *Queue) Enqueue(ctx context.Context, before, after models.ImageRecord) (*models.PendingAnalysis, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.purgeLocked(ctx); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperrors.NewInternalError("cannot generate analysis id", err)
	}
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return nil, apperrors.NewPersistenceError("cannot encode before record", err)
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return nil, apperrors.NewPersistenceError("cannot encode after record", err)
	}

	now := q.now()
	entry := &models.PendingAnalysis{
		ID:        id.String(),
		Before:    before,
		After:     after,
		Status:    models.StatusPending,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
		ExpiresAt: time.UnixMilli(now.Add(q.opts.TTL).UnixMilli()),
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO pending_analyses (id, before_record, after_record, status, attempts, created_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		entry.ID, string(beforeJSON), string(afterJSON), string(entry.Status),
		entry.CreatedAt.UnixMilli(), entry.ExpiresAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, apperrors.NewPersistenceError("cannot enqueue analysis", err)
	}
	return entry, nil
}

// Get returns one entry regardless of status
func (q *Queue) Get(ctx context.Context, id string) (*models.PendingAnalysis, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.purgeLocked(ctx); err != nil {
		return nil, err
	}
	return q.getLocked(ctx, id)
}

// List returns every entry, oldest first
func (q *Queue) List(ctx context.Context) ([]*models.PendingAnalysis, error) {
	return q.listByStatus(ctx, "")
}

// ListPending returns PENDING entries, oldest first. Expired entries are
// purged before the read and never returned.
func (q *Queue) ListPending(ctx context.Context) ([]*models.PendingAnalysis, error) {
	return q.listByStatus(ctx, models.StatusPending)
}

// ListCompleted returns COMPLETED entries whose decision has not been consumed yet
func (q *Queue) ListCompleted(ctx context.Context) ([]*models.PendingAnalysis, error) {
	return q.listByStatus(ctx, models.StatusCompleted)
}

// Claim moves a PENDING entry to PROCESSING and counts the attempt. An entry
// whose attempts are spent cannot be claimed.
func (q *Queue) Claim(ctx context.Context, id string) (*models.PendingAnalysis, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.purgeLocked(ctx); err != nil {
		return nil, err
	}

	now := q.now().UnixMilli()
	row := q.db.QueryRowContext(ctx, `
		UPDATE pending_analyses
		SET status = ?, attempts = attempts + 1, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND attempts < ?
		RETURNING `+columns,
		string(models.StatusProcessing), now, now, id, string(models.StatusPending), q.opts.MaxAttempts,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, q.explainLocked(ctx, id, "claim")
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("cannot claim analysis", err)
	}
	return entry, nil
}

// MarkCompleted records the decision of a PROCESSING entry. The decision is
// kept for one TTL from now unless consumed earlier. Completing an entry that
// is already COMPLETED is a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, id string, decision models.Decision) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.purgeLocked(ctx); err != nil {
		return err
	}

	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return apperrors.NewPersistenceError("cannot encode decision", err)
	}

	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_analyses
		SET status = ?, decision = ?, last_error = '', last_error_type = '', expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.StatusCompleted), string(decisionJSON), now.Add(q.opts.TTL).UnixMilli(), now.UnixMilli(),
		id, string(models.StatusProcessing),
	)
	if err != nil {
		return apperrors.NewPersistenceError("cannot complete analysis", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	entry, err := q.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status == models.StatusCompleted {
		return nil
	}
	return apperrors.NewConflictError(fmt.Sprintf("cannot complete analysis %s in status %s", id, entry.Status), nil)
}

// MarkFailed records a failed attempt of a PROCESSING entry. A retryable cause
// with attempts left returns the entry to PENDING, anything else is terminal.
// The updated entry is returned.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (*models.PendingAnalysis, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.purgeLocked(ctx); err != nil {
		return nil, err
	}

	entry, err := q.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.StatusProcessing {
		return nil, apperrors.NewConflictError(fmt.Sprintf("cannot fail analysis %s in status %s", id, entry.Status), nil)
	}

	next := models.StatusFailed
	if apperrors.IsRetryable(cause) && entry.Attempts < q.opts.MaxAttempts {
		next = models.StatusPending
	}
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	errType := string(apperrors.TypeOf(cause))

	_, err = q.db.ExecContext(ctx, `
		UPDATE pending_analyses
		SET status = ?, last_error = ?, last_error_type = ?, updated_at = ?
		WHERE id = ?`,
		string(next), message, errType, q.now().UnixMilli(), id,
	)
	if err != nil {
		return nil, apperrors.NewPersistenceError("cannot record failed analysis", err)
	}

	entry.Status = next
	entry.LastError = message
	entry.LastErrorType = errType
	return entry, nil
}

// Consume deletes a COMPLETED entry once its decision has been recorded elsewhere
func (q *Queue) Consume(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.purgeLocked(ctx); err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_analyses WHERE id = ? AND status = ?`,
		id, string(models.StatusCompleted),
	)
	if err != nil {
		return apperrors.NewPersistenceError("cannot consume analysis", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return q.explainLocked(ctx, id, "consume")
}

// Recover returns PROCESSING entries to PENDING. The attempt that was
// interrupted keeps its count, so an entry interrupted on its last attempt
// is failed instead of being claimed again.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixMilli()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.NewPersistenceError("cannot recover interrupted analyses", err)
	}
	defer tx.Rollback()

	exhausted, err := tx.ExecContext(ctx, `
		UPDATE pending_analyses
		SET status = ?, last_error = ?, last_error_type = ?, updated_at = ?
		WHERE status = ? AND attempts >= ?`,
		string(models.StatusFailed), "interrupted during final attempt", string(apperrors.ErrorTypeTransient), now,
		string(models.StatusProcessing), q.opts.MaxAttempts,
	)
	if err != nil {
		return 0, apperrors.NewPersistenceError("cannot recover interrupted analyses", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE pending_analyses SET status = ?, updated_at = ? WHERE status = ?`,
		string(models.StatusPending), now, string(models.StatusProcessing),
	)
	if err != nil {
		return 0, apperrors.NewPersistenceError("cannot recover interrupted analyses", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.NewPersistenceError("cannot recover interrupted analyses", err)
	}

	if n, _ := exhausted.RowsAffected(); n > 0 {
		logger.WithComponent("queue").WithField("count", n).Warn("Failed analyses interrupted during their final attempt")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeExpired deletes entries past their expiration. PROCESSING entries are
// in flight and are kept.
func (q *Queue) PurgeExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.purgeCountLocked(ctx)
}

// Stats counts entries per status
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.purgeLocked(ctx); err != nil {
		return models.QueueStats{}, err
	}

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_analyses GROUP BY status`)
	if err != nil {
		return models.QueueStats{}, apperrors.NewPersistenceError("cannot count analyses", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.QueueStats{}, apperrors.NewPersistenceError("cannot count analyses", err)
		}
		switch models.QueueStatus(status) {
		case models.StatusPending:
			stats.Pending = n
		case models.StatusProcessing:
			stats.Processing = n
		case models.StatusCompleted:
			stats.Completed = n
		case models.StatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return models.QueueStats{}, apperrors.NewPersistenceError("cannot count analyses", err)
	}
	return stats, nil
}

func (q *Queue) listByStatus(ctx context.Context, status models.QueueStatus) ([]*models.PendingAnalysis, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.purgeLocked(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + columns + ` FROM pending_analyses`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewPersistenceError("cannot list analyses", err)
	}
	defer rows.Close()

	var entries []*models.PendingAnalysis
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, apperrors.NewPersistenceError("cannot read analysis", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("cannot list analyses", err)
	}
	return entries, nil
}

func (q *Queue) getLocked(ctx context.Context, id string) (*models.PendingAnalysis, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+columns+` FROM pending_analyses WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("analysis "+id+" not found", nil)
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("cannot read analysis", err)
	}
	return entry, nil
}

// explainLocked turns a conditional update that matched nothing into
// NotFound or Conflict
func (q *Queue) explainLocked(ctx context.Context, id, op string) error {
	entry, err := q.getLocked(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.NewConflictError(fmt.Sprintf("cannot %s analysis %s in status %s", op, id, entry.Status), nil)
}

func (q *Queue) purgeLocked(ctx context.Context) error {
	_, err := q.purgeCountLocked(ctx)
	return err
}

func (q *Queue) purgeCountLocked(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_analyses WHERE status <> ? AND expires_at <= ?`,
		string(models.StatusProcessing), q.now().UnixMilli(),
	)
	if err != nil {
		return 0, apperrors.NewPersistenceError("cannot purge expired analyses", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.WithComponent("queue").WithField("count", n).Info("Purged expired analyses")
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*models.PendingAnalysis, error) {
	var (
		entry                 models.PendingAnalysis
		beforeJSON, afterJSON string
		status                string
		createdAt, expiresAt  int64
		lastAttemptAt         sql.NullInt64
		decisionJSON          sql.NullString
	)
	err := s.Scan(&entry.ID, &beforeJSON, &afterJSON, &status, &entry.Attempts,
		&createdAt, &expiresAt, &lastAttemptAt, &entry.LastError, &entry.LastErrorType, &decisionJSON)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(beforeJSON), &entry.Before); err != nil {
		return nil, fmt.Errorf("decode before record: %w", err)
	}
	if err := json.Unmarshal([]byte(afterJSON), &entry.After); err != nil {
		return nil, fmt.Errorf("decode after record: %w", err)
	}
	if decisionJSON.Valid {
		var decision models.Decision
		if err := json.Unmarshal([]byte(decisionJSON.String), &decision); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		entry.Decision = &decision
	}

	entry.Status = models.QueueStatus(status)
	entry.CreatedAt = time.UnixMilli(createdAt)
	entry.ExpiresAt = time.UnixMilli(expiresAt)
	if lastAttemptAt.Valid {
		t := time.UnixMilli(lastAttemptAt.Int64)
		entry.LastAttemptAt = &t
	}
	return &entry, nil
}
