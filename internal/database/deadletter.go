package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pbxlink/pbxlink/internal/database/models"
)

// deadLetterRepo implements DeadLetterRepository.
type deadLetterRepo struct {
	db *DB
}

// NewDeadLetterRepository creates a new DeadLetterRepository.
func NewDeadLetterRepository(db *DB) DeadLetterRepository {
	return &deadLetterRepo{db: db}
}

// Create inserts a new dead letter record.
func (r *deadLetterRepo) Create(ctx context.Context, dl *models.DeadLetter) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, unique_id, payload, reason, attempts)
		 VALUES (?, ?, ?, ?, ?)`,
		dl.ID, dl.UniqueID, dl.Payload, dl.Reason, dl.Attempts,
	)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

// GetByID returns a dead letter by id, or nil if it does not exist.
func (r *deadLetterRepo) GetByID(ctx context.Context, id string) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	err := r.db.QueryRowContext(ctx,
		`SELECT id, unique_id, payload, reason, attempts, created_at
		 FROM dead_letters WHERE id = ?`, id,
	).Scan(&dl.ID, &dl.UniqueID, &dl.Payload, &dl.Reason, &dl.Attempts, &dl.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning dead letter: %w", err)
	}
	return &dl, nil
}

// List returns dead letters newest first, along with the total count.
func (r *deadLetterRepo) List(ctx context.Context, limit, offset int) ([]models.DeadLetter, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting dead letters: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, unique_id, payload, reason, attempts, created_at
		 FROM dead_letters ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var letters []models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.UniqueID, &dl.Payload, &dl.Reason,
			&dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning dead letter row: %w", err)
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating dead letter rows: %w", err)
	}

	return letters, total, nil
}

// Delete removes a dead letter record.
func (r *deadLetterRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting dead letter: %w", err)
	}
	return nil
}

// Count returns the dead-letter backlog size.
func (r *deadLetterRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return count, nil
}
