package models

import "time"

// OAuthToken is the single persisted CRM credential pair. The access and
// refresh tokens rotate together on every refresh.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// Expired reports whether the access token expires within the given margin.
func (t *OAuthToken) Expired(margin time.Duration) bool {
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// Call log dispositions.
const (
	DispositionSynced   = "synced"   // note attached to an existing contact
	DispositionUnsorted = "unsorted" // no contact matched, unsorted lead created
	DispositionSkipped  = "skipped"  // no contact matched, skip policy active
	DispositionFailed   = "failed"   // permanent failure, recorded and not retried
)

// CallLog records one synced (or permanently failed) call. UniqueID is the
// Asterisk uniqueid and acts as the sync idempotency key.
type CallLog struct {
	ID                int64      `json:"id"`
	UniqueID          string     `json:"uniqueid"`
	Caller            string     `json:"caller"`
	Direction         string     `json:"direction"`
	Status            string     `json:"status"`
	Duration          int        `json:"duration"`
	ContactID         *int64     `json:"contact_id,omitempty"`
	Disposition       string     `json:"disposition"`
	RecordingFile     string     `json:"recording_file,omitempty"`
	RecordingUploaded bool       `json:"recording_uploaded"`
	Source            string     `json:"source"` // "ami" or "webhook"
	SyncedAt          *time.Time `json:"synced_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Synced reports whether the call already reached the CRM (any terminal
// disposition other than failed).
func (c *CallLog) Synced() bool {
	switch c.Disposition {
	case DispositionSynced, DispositionUnsorted, DispositionSkipped:
		return true
	}
	return false
}

// RecordingPending reports whether a known recording still awaits upload.
func (c *CallLog) RecordingPending() bool {
	return c.RecordingFile != "" && !c.RecordingUploaded
}

// DeadLetter is a durable record of a sync that failed after bounded
// retries, held for manual inspection or re-drive.
type DeadLetter struct {
	ID        string    `json:"id"`
	UniqueID  string    `json:"uniqueid"`
	Payload   string    `json:"payload"` // JSON-encoded call fact
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}
