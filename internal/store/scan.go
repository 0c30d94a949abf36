package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/0necontroller/vellum/internal/model"
)

// Fixed-width layout so that TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const recordColumns = `id, filename, filesize, status, progress, stream_url, error_message,
    created_at, updated_at, completed_at, expires_at, packager, callback_url, callback_status,
    callback_retry_count, callback_last_attempt, storage_path`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.UploadRecord, error) {
	var (
		rec            model.UploadRecord
		status         string
		streamURL      sql.NullString
		errMessage     sql.NullString
		createdRaw     string
		updatedRaw     string
		completedRaw   sql.NullString
		expiresRaw     sql.NullString
		packager       sql.NullString
		callbackURL    sql.NullString
		callbackStatus sql.NullString
		lastAttemptRaw sql.NullString
		storagePath    sql.NullString
	)

	if err := row.Scan(
		&rec.ID,
		&rec.Filename,
		&rec.FileSize,
		&status,
		&rec.Progress,
		&streamURL,
		&errMessage,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
		&expiresRaw,
		&packager,
		&callbackURL,
		&callbackStatus,
		&rec.CallbackRetryCount,
		&lastAttemptRaw,
		&storagePath,
	); err != nil {
		return nil, err
	}

	rec.Status = model.UploadStatus(status)
	rec.StreamURL = streamURL.String
	rec.Error = errMessage.String
	rec.Packager = packager.String
	rec.CallbackURL = callbackURL.String
	rec.CallbackStatus = model.CallbackStatus(callbackStatus.String)
	rec.StoragePath = storagePath.String

	var err error
	if rec.CreatedAt, err = parseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if expiresRaw.Valid {
		if rec.ExpiresAt, err = parseTime(expiresRaw.String); err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
	}
	if rec.CompletedAt, err = parseNullableTime(completedRaw); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if rec.CallbackLastAttempt, err = parseNullableTime(lastAttemptRaw); err != nil {
		return nil, fmt.Errorf("parse callback_last_attempt: %w", err)
	}
	return &rec, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(timeLayout, value)
}

func parseNullableTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
