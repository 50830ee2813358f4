package database

import (
	"context"
	"errors"

	"github.com/pbxlink/pbxlink/internal/database/models"
)

// ErrNotFound is returned by operations addressing a specific record that
// does not exist. Lookups that may legitimately miss return nil instead.
var ErrNotFound = errors.New("record not found")

// TokenRepository persists the single CRM OAuth token record.
type TokenRepository interface {
	// Get returns the stored token, or nil if none has been saved yet.
	Get(ctx context.Context) (*models.OAuthToken, error)
	// Save replaces the stored token pair in a single atomic write.
	Save(ctx context.Context, token *models.OAuthToken) error
	Delete(ctx context.Context) error
}

// CallLogRepository manages per-call sync records.
type CallLogRepository interface {
	GetByUniqueID(ctx context.Context, uniqueID string) (*models.CallLog, error)
	// Upsert inserts or replaces the record for the call's unique_id.
	Upsert(ctx context.Context, log *models.CallLog) error
	List(ctx context.Context, filter CallLogFilter) ([]models.CallLog, int, error)
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// DeadLetterRepository manages the durable dead-letter queue.
type DeadLetterRepository interface {
	Create(ctx context.Context, dl *models.DeadLetter) error
	GetByID(ctx context.Context, id string) (*models.DeadLetter, error)
	List(ctx context.Context, limit, offset int) ([]models.DeadLetter, int, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}

// CallLogFilter specifies filtering and pagination for call log queries.
type CallLogFilter struct {
	Limit       int
	Offset      int
	Direction   string
	Disposition string
	Search      string // matches caller or unique_id
}
