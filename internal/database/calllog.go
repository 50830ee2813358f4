package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pbxlink/pbxlink/internal/database/models"
)

// callLogRepo implements CallLogRepository.
type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

const callLogColumns = `id, unique_id, caller, direction, status, duration,
	 contact_id, disposition, recording_file, recording_uploaded, source,
	 synced_at, created_at`

// GetByUniqueID returns the call log for an Asterisk uniqueid, or nil.
func (r *callLogRepo) GetByUniqueID(ctx context.Context, uniqueID string) (*models.CallLog, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_logs WHERE unique_id = ?`, uniqueID,
	))
}

// Upsert inserts or replaces the call log row keyed by unique_id. This is the
// sync idempotency point: a retried sync for the same call updates the row.
func (r *callLogRepo) Upsert(ctx context.Context, log *models.CallLog) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_logs (unique_id, caller, direction, status, duration,
		 contact_id, disposition, recording_file, recording_uploaded, source, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(unique_id) DO UPDATE SET
		 caller = excluded.caller,
		 direction = excluded.direction,
		 status = excluded.status,
		 duration = excluded.duration,
		 contact_id = excluded.contact_id,
		 disposition = excluded.disposition,
		 recording_file = excluded.recording_file,
		 recording_uploaded = excluded.recording_uploaded,
		 source = excluded.source,
		 synced_at = excluded.synced_at`,
		log.UniqueID, log.Caller, log.Direction, log.Status, log.Duration,
		log.ContactID, log.Disposition, log.RecordingFile, log.RecordingUploaded,
		log.Source, log.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting call log: %w", err)
	}

	if log.ID == 0 {
		if id, err := result.LastInsertId(); err == nil {
			log.ID = id
		}
	}
	return nil
}

// List returns call logs matching the filter, along with the total count.
func (r *callLogRepo) List(ctx context.Context, filter CallLogFilter) ([]models.CallLog, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Disposition != "" {
		where += " AND disposition = ?"
		args = append(args, filter.Disposition)
	}
	if filter.Search != "" {
		where += " AND (caller LIKE ? OR unique_id LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM call_logs WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call logs: %w", err)
	}

	// Fetch the page of results.
	query := `SELECT ` + callLogColumns + ` FROM call_logs WHERE ` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call logs: %w", err)
	}
	defer rows.Close()

	var logs []models.CallLog
	for rows.Next() {
		var c models.CallLog
		if err := rows.Scan(&c.ID, &c.UniqueID, &c.Caller, &c.Direction, &c.Status,
			&c.Duration, &c.ContactID, &c.Disposition, &c.RecordingFile,
			&c.RecordingUploaded, &c.Source, &c.SyncedAt, &c.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning call log row: %w", err)
		}
		logs = append(logs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call log rows: %w", err)
	}

	return logs, total, nil
}

// CountByDirection returns synced call counts grouped by direction.
func (r *callLogRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM call_logs GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting call logs by direction: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning direction count: %w", err)
		}
		counts[dir] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating direction counts: %w", err)
	}
	return counts, nil
}

func (r *callLogRepo) scanOne(row *sql.Row) (*models.CallLog, error) {
	var c models.CallLog
	err := row.Scan(&c.ID, &c.UniqueID, &c.Caller, &c.Direction, &c.Status,
		&c.Duration, &c.ContactID, &c.Disposition, &c.RecordingFile,
		&c.RecordingUploaded, &c.Source, &c.SyncedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call log: %w", err)
	}
	return &c, nil
}
