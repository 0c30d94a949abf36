// Package store persists upload lifecycle records in SQLite.
//
// The store is the single source of truth for an upload's status. Every
// mutation goes through Update, which runs a read-merge-write inside one
// transaction on a single pooled connection, so concurrent writers (HTTP
// handlers, the upload completion listener, the transcode worker and the
// callback sweeper) are serialized and never lose each other's fields.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/pkg/apperr"
)

// Store manages upload records backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open initializes or connects to the record database and applies migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new record. It fails with apperr.ErrAlreadyExists when the
// id is taken.
func (s *Store) Create(ctx context.Context, rec *model.UploadRecord) (*model.UploadRecord, error) {
	if rec == nil || rec.ID == "" {
		return nil, apperr.Validation("store.create", "record id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM uploads WHERE id = ?`, rec.ID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check existing record: %w", err)
	}
	if exists > 0 {
		return nil, apperr.AlreadyExists("store.create", rec.ID)
	}

	now := s.now().UTC()
	created := *rec
	if created.Status == "" {
		created.Status = model.UploadStatusUploading
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.UpdatedAt = now
	if created.Status == model.UploadStatusCompleted && created.CompletedAt == nil {
		created.CompletedAt = &now
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO uploads (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID,
		created.Filename,
		created.FileSize,
		string(created.Status),
		created.Progress,
		nullableString(created.StreamURL),
		nullableString(created.Error),
		formatTime(created.CreatedAt),
		formatTime(created.UpdatedAt),
		nullableTime(created.CompletedAt),
		nullableTime(timePtr(created.ExpiresAt)),
		nullableString(created.Packager),
		nullableString(created.CallbackURL),
		nullableString(string(created.CallbackStatus)),
		created.CallbackRetryCount,
		nullableTime(created.CallbackLastAttempt),
		nullableString(created.StoragePath),
	); err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}

	stored, err := getRecord(ctx, tx, created.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}
	return stored, nil
}

// Get fetches a record by id. It returns nil, nil when the record is absent.
func (s *Store) Get(ctx context.Context, id string) (*model.UploadRecord, error) {
	return getRecord(ctx, s.db, id)
}

// Update merges the non-nil fields of patch into the record inside one
// transaction. It returns nil, nil when the id is unknown.
//
// Status changes must follow the lifecycle DAG and, when ExpectStatus is set,
// the current status must match it; both failures are apperr.ErrInvalidState.
// CompletedAt is stamped when the status becomes completed and progress never
// moves backwards. IncCallbackRetry freezes the callback at failed once
// model.MaxCallbackAttempts attempts have failed.
func (s *Store) Update(ctx context.Context, id string, patch model.UploadPatch) (*model.UploadRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getRecord(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	merged, err := merge(current, patch, s.now().UTC())
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE uploads
         SET status = ?, progress = ?, stream_url = ?, error_message = ?, updated_at = ?,
             completed_at = ?, packager = ?, callback_status = ?, callback_retry_count = ?,
             callback_last_attempt = ?
         WHERE id = ?`,
		string(merged.Status),
		merged.Progress,
		nullableString(merged.StreamURL),
		nullableString(merged.Error),
		formatTime(merged.UpdatedAt),
		nullableTime(merged.CompletedAt),
		nullableString(merged.Packager),
		nullableString(string(merged.CallbackStatus)),
		merged.CallbackRetryCount,
		nullableTime(merged.CallbackLastAttempt),
		id,
	); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return merged, nil
}

func merge(current *model.UploadRecord, patch model.UploadPatch, now time.Time) (*model.UploadRecord, error) {
	if patch.ExpectStatus != nil && current.Status != *patch.ExpectStatus {
		return nil, apperr.InvalidState("store.update",
			fmt.Sprintf("upload %s is %s, expected %s", current.ID, current.Status, *patch.ExpectStatus))
	}

	next := *current
	if patch.Status != nil {
		if !current.Status.CanTransitionTo(*patch.Status) {
			return nil, apperr.InvalidState("store.update",
				fmt.Sprintf("upload %s cannot move from %s to %s", current.ID, current.Status, *patch.Status))
		}
		next.Status = *patch.Status
		if next.Status == model.UploadStatusCompleted && current.Status != model.UploadStatusCompleted {
			next.CompletedAt = &now
		}
	}
	if patch.Progress != nil {
		p := clampProgress(*patch.Progress)
		if p > next.Progress {
			next.Progress = p
		}
	}
	if patch.StreamURL != nil {
		next.StreamURL = *patch.StreamURL
	}
	if patch.Error != nil {
		next.Error = *patch.Error
	}
	if patch.Packager != nil {
		next.Packager = *patch.Packager
	}
	if patch.CallbackStatus != nil {
		if !current.CallbackStatus.CanTransitionTo(*patch.CallbackStatus) {
			return nil, apperr.InvalidState("store.update",
				fmt.Sprintf("upload %s callback is %s, cannot become %s", current.ID, current.CallbackStatus, *patch.CallbackStatus))
		}
		next.CallbackStatus = *patch.CallbackStatus
	}
	if patch.CallbackRetryCount != nil {
		next.CallbackRetryCount = *patch.CallbackRetryCount
	}
	if patch.IncCallbackRetry {
		if next.CallbackStatus != model.CallbackStatusPending {
			return nil, apperr.InvalidState("store.update",
				fmt.Sprintf("upload %s callback is %s, no attempts left to record", current.ID, next.CallbackStatus))
		}
		next.CallbackRetryCount++
		if next.CallbackRetryCount >= model.MaxCallbackAttempts {
			next.CallbackStatus = model.CallbackStatusFailed
		}
	}
	if patch.CallbackLastAttempt != nil {
		t := patch.CallbackLastAttempt.UTC()
		next.CallbackLastAttempt = &t
	}
	next.UpdatedAt = now
	return &next, nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]*model.UploadRecord, error) {
	return s.query(ctx, "list records",
		`SELECT `+recordColumns+` FROM uploads ORDER BY created_at DESC, rowid DESC`)
}

// Delete removes a record. It reports whether a record was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListPendingCallbacks returns completed records whose webhook has not been
// delivered yet and still has attempts left, oldest first.
func (s *Store) ListPendingCallbacks(ctx context.Context) ([]*model.UploadRecord, error) {
	return s.query(ctx, "list pending callbacks",
		`SELECT `+recordColumns+` FROM uploads
         WHERE callback_url IS NOT NULL AND callback_url != ''
           AND callback_status = ?
           AND callback_retry_count < ?
           AND status = ?
         ORDER BY created_at ASC, rowid ASC`,
		string(model.CallbackStatusPending),
		model.MaxCallbackAttempts,
		string(model.UploadStatusCompleted),
	)
}

// ListStale returns records in status whose last mutation is older than cutoff.
func (s *Store) ListStale(ctx context.Context, status model.UploadStatus, cutoff time.Time) ([]*model.UploadRecord, error) {
	return s.query(ctx, "list stale records",
		`SELECT `+recordColumns+` FROM uploads
         WHERE status = ? AND updated_at < ?
         ORDER BY updated_at ASC`,
		string(status),
		formatTime(cutoff),
	)
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]*model.UploadRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var records []*model.UploadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, id string) (*model.UploadRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM uploads WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
