// Package syncer delivers finished calls to the CRM with bounded retries
// and a durable dead-letter queue.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pbxlink/pbxlink/internal/backoff"
	"github.com/pbxlink/pbxlink/internal/crm"
	"github.com/pbxlink/pbxlink/internal/database"
	"github.com/pbxlink/pbxlink/internal/database/models"
	"github.com/pbxlink/pbxlink/internal/tracker"
)

const (
	retryBase = 2 * time.Second
	retryMax  = 5 * time.Minute

	// dbTimeout bounds dead-letter and call-log writes that run outside a
	// caller's request context.
	dbTimeout = 10 * time.Second
)

// Contact lookup policies for calls from unknown numbers.
const (
	PolicyUnsorted = "unsorted"
	PolicySkip     = "skip"
)

// CallFact is the immutable description of one finished call queued for
// delivery. It is what gets serialized into a dead letter.
type CallFact struct {
	UniqueID  string    `json:"unique_id"`
	Phone     string    `json:"phone"`
	RawPhone  string    `json:"raw_phone,omitempty"`
	Direction string    `json:"direction"`
	Answered  bool      `json:"answered"`
	Duration  int       `json:"duration"`
	StartTime time.Time `json:"start_time"`
	Source    string    `json:"source"`
}

// FactFromSession converts a finalized tracker session into a queueable
// fact.
func FactFromSession(s *tracker.CallSession) CallFact {
	return CallFact{
		UniqueID:  s.UniqueID,
		Phone:     s.Caller,
		RawPhone:  s.RawCaller,
		Direction: string(s.Direction),
		Answered:  s.Answered(),
		Duration:  s.Duration(),
		StartTime: s.StartTime,
		Source:    "ami",
	}
}

func (f CallFact) status() string {
	if f.Answered {
		return "answered"
	}
	return "missed"
}

func (f CallFact) note() crm.CallNote {
	return crm.CallNote{
		Phone:     f.Phone,
		Direction: f.Direction,
		Duration:  f.Duration,
		Answered:  f.Answered,
		UniqueID:  f.UniqueID,
	}
}

// CRM is the slice of the AmoCRM client the orchestrator uses.
type CRM interface {
	FindContact(ctx context.Context, phone string) (*crm.Contact, error)
	AddCallNote(ctx context.Context, contactID int64, note crm.CallNote) error
	CreateUnsortedLead(ctx context.Context, note crm.CallNote) error
	UploadRecording(ctx context.Context, contactID int64, path string) error
}

// Config holds orchestrator tuning.
type Config struct {
	Workers       int
	QueueSize     int
	MaxAttempts   int
	ContactPolicy string
	RecordingsDir string
}

// Orchestrator runs a bounded queue of call facts through a worker pool.
// Transient CRM failures retry with backoff up to MaxAttempts and then
// dead-letter; auth loss pauses all workers until Resume.
type Orchestrator struct {
	cfg         Config
	crm         CRM
	callLogs    database.CallLogRepository
	deadLetters database.DeadLetterRepository
	logger      *slog.Logger

	queue chan CallFact

	// inflight serializes workers per uniqueid so a duplicate delivery
	// cannot race past the already-synced check.
	inflightMu sync.Mutex
	inflight   map[string]*idLock

	// Retry pacing, overridable in tests.
	retryBase time.Duration
	retryMax  time.Duration

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	syncedInbound  atomic.Int64
	syncedOutbound atomic.Int64
	deadLettered   atomic.Int64
}

// New creates an orchestrator. Run starts the workers.
func New(cfg Config, crmClient CRM, callLogs database.CallLogRepository, deadLetters database.DeadLetterRepository, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		crm:         crmClient,
		callLogs:    callLogs,
		deadLetters: deadLetters,
		logger:      logger.With("subsystem", "syncer"),
		queue:       make(chan CallFact, cfg.QueueSize),
		inflight:    make(map[string]*idLock),
		retryBase:   retryBase,
		retryMax:    retryMax,
	}
}

// Run processes the queue until ctx is canceled and all workers drain.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fact := <-o.queue:
			o.handle(ctx, fact)
		}
	}
}

// Enqueue hands a fact to the worker pool without blocking the caller.
// When the queue is full the fact goes straight to the dead-letter store
// so it survives for a re-drive.
func (o *Orchestrator) Enqueue(fact CallFact) {
	select {
	case o.queue <- fact:
	default:
		o.logger.Error("sync queue full, dead-lettering call",
			"uniqueid", fact.UniqueID,
			"depth", len(o.queue),
		)
		o.deadLetter(fact, errors.New("sync queue overflow"), 0)
	}
}

// QueueDepth returns the number of facts waiting for a worker.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// Paused reports whether delivery is suspended pending re-authorization.
func (o *Orchestrator) Paused() bool {
	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	return o.paused
}

// SyncedCount returns how many calls reached the CRM for a direction.
func (o *Orchestrator) SyncedCount(direction string) int64 {
	if direction == "outbound" {
		return o.syncedOutbound.Load()
	}
	return o.syncedInbound.Load()
}

// DeadLetteredCount returns how many facts were dead-lettered since start.
func (o *Orchestrator) DeadLetteredCount() int64 {
	return o.deadLettered.Load()
}

// Resume releases workers paused on lost authorization. Called after a
// successful OAuth exchange.
func (o *Orchestrator) Resume() {
	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	if o.paused {
		o.paused = false
		close(o.resumeCh)
		o.logger.Info("sync resumed")
	}
}

func (o *Orchestrator) pause() {
	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	if !o.paused {
		o.paused = true
		o.resumeCh = make(chan struct{})
		o.logger.Warn("sync paused until re-authorization")
	}
}

// awaitResume blocks until Resume or ctx cancellation. It returns false
// when the context ended first.
func (o *Orchestrator) awaitResume(ctx context.Context) bool {
	o.pauseMu.Lock()
	if !o.paused {
		o.pauseMu.Unlock()
		return true
	}
	ch := o.resumeCh
	o.pauseMu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	}
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// lockUniqueID takes the per-call lock, creating it on first use. The
// returned lock must be released with unlockUniqueID.
func (o *Orchestrator) lockUniqueID(id string) *idLock {
	o.inflightMu.Lock()
	l, ok := o.inflight[id]
	if !ok {
		l = &idLock{}
		o.inflight[id] = l
	}
	l.refs++
	o.inflightMu.Unlock()

	l.mu.Lock()
	return l
}

func (o *Orchestrator) unlockUniqueID(id string, l *idLock) {
	l.mu.Unlock()

	o.inflightMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(o.inflight, id)
	}
	o.inflightMu.Unlock()
}

// handle drives one fact to a terminal state: synced, recorded as a
// permanent failure, or dead-lettered. Facts for the same uniqueid are
// handled one at a time so a duplicate always sees the first delivery's
// call log.
func (o *Orchestrator) handle(ctx context.Context, fact CallFact) {
	l := o.lockUniqueID(fact.UniqueID)
	defer o.unlockUniqueID(fact.UniqueID, l)

	if fact.Phone == "" {
		o.logger.Warn("call has no usable phone number, recording failure",
			"uniqueid", fact.UniqueID,
			"raw", fact.RawPhone,
		)
		o.recordCallLog(fact, models.DispositionFailed, nil, "", false)
		return
	}

	bo := backoff.New(o.retryBase, o.retryMax)
	attempts := 0

	for {
		err := o.syncOnce(ctx, fact)
		if err == nil {
			return
		}

		if errors.Is(err, crm.ErrAuthExpired) || errors.Is(err, crm.ErrNeedsAuth) {
			o.pause()
			if !o.awaitResume(ctx) {
				// Shutting down mid-pause. Keep the fact durable.
				o.deadLetter(fact, err, attempts)
				return
			}
			continue
		}

		if !crm.IsTransient(err) {
			o.logger.Error("call permanently rejected by crm",
				"uniqueid", fact.UniqueID,
				"error", err,
			)
			o.recordCallLog(fact, models.DispositionFailed, nil, "", false)
			return
		}

		attempts++
		if attempts >= o.cfg.MaxAttempts {
			o.deadLetter(fact, err, attempts)
			return
		}

		delay := bo.Next()
		o.logger.Warn("sync attempt failed, retrying",
			"uniqueid", fact.UniqueID,
			"attempt", attempts,
			"retry_in", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			o.deadLetter(fact, err, attempts)
			return
		case <-time.After(delay):
		}
	}
}

// syncOnce performs one delivery attempt. Re-delivery of an already
// synced uniqueid is a no-op, which is what makes webhook and AMI
// double-reporting safe.
func (o *Orchestrator) syncOnce(ctx context.Context, fact CallFact) error {
	existing, err := o.callLogs.GetByUniqueID(ctx, fact.UniqueID)
	if err != nil {
		return &crm.TransientError{Err: err}
	}
	if existing != nil && existing.Synced() {
		if existing.RecordingPending() && existing.ContactID != nil {
			return o.retryRecording(ctx, existing)
		}
		o.logger.Debug("call already synced, skipping", "uniqueid", fact.UniqueID)
		return nil
	}

	contact, err := o.crm.FindContact(ctx, fact.Phone)
	if err != nil {
		return err
	}

	if contact == nil {
		return o.handleUnknownNumber(ctx, fact)
	}

	if err := o.crm.AddCallNote(ctx, contact.ID, fact.note()); err != nil {
		return err
	}

	recording, uploaded := "", false
	if path, ok := FindRecording(o.cfg.RecordingsDir, fact.UniqueID); ok {
		recording = path
		if err := o.crm.UploadRecording(ctx, contact.ID, path); err != nil {
			// The note is already attached; a lost recording is a partial
			// success, not a sync failure.
			o.logger.Warn("recording upload failed",
				"uniqueid", fact.UniqueID,
				"path", path,
				"error", err,
			)
		} else {
			uploaded = true
		}
	}

	o.recordCallLog(fact, models.DispositionSynced, &contact.ID, recording, uploaded)
	o.countSynced(fact.Direction)
	o.logger.Info("call synced",
		"uniqueid", fact.UniqueID,
		"contact_id", contact.ID,
		"direction", fact.Direction,
	)
	return nil
}

func (o *Orchestrator) handleUnknownNumber(ctx context.Context, fact CallFact) error {
	if o.cfg.ContactPolicy == PolicySkip {
		o.logger.Info("no contact for number, skipping per policy",
			"uniqueid", fact.UniqueID,
			"phone", fact.Phone,
		)
		o.recordCallLog(fact, models.DispositionSkipped, nil, "", false)
		return nil
	}

	if err := o.crm.CreateUnsortedLead(ctx, fact.note()); err != nil {
		return err
	}
	o.recordCallLog(fact, models.DispositionUnsorted, nil, "", false)
	o.countSynced(fact.Direction)
	o.logger.Info("unsorted lead created",
		"uniqueid", fact.UniqueID,
		"phone", fact.Phone,
	)
	return nil
}

// retryRecording finishes the upload for a call whose note landed but
// whose recording did not.
func (o *Orchestrator) retryRecording(ctx context.Context, log *models.CallLog) error {
	if err := o.crm.UploadRecording(ctx, *log.ContactID, log.RecordingFile); err != nil {
		return err
	}
	log.RecordingUploaded = true
	dbCtx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := o.callLogs.Upsert(dbCtx, log); err != nil {
		o.logger.Error("updating call log after recording upload", "error", err)
	}
	return nil
}

// Redrive re-queues a dead letter and deletes it on successful enqueue.
func (o *Orchestrator) Redrive(ctx context.Context, id string) error {
	dl, err := o.deadLetters.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if dl == nil {
		return database.ErrNotFound
	}

	var fact CallFact
	if err := json.Unmarshal([]byte(dl.Payload), &fact); err != nil {
		return err
	}

	select {
	case o.queue <- fact:
	default:
		return errors.New("sync queue full, try again later")
	}

	if err := o.deadLetters.Delete(ctx, id); err != nil {
		return err
	}
	o.logger.Info("dead letter re-driven", "id", id, "uniqueid", fact.UniqueID)
	return nil
}

func (o *Orchestrator) countSynced(direction string) {
	if direction == "outbound" {
		o.syncedOutbound.Add(1)
	} else {
		o.syncedInbound.Add(1)
	}
}

func (o *Orchestrator) recordCallLog(fact CallFact, disposition string, contactID *int64, recording string, uploaded bool) {
	now := time.Now()
	entry := &models.CallLog{
		UniqueID:          fact.UniqueID,
		Caller:            fact.Phone,
		Direction:         fact.Direction,
		Status:            fact.status(),
		Duration:          fact.Duration,
		ContactID:         contactID,
		Disposition:       disposition,
		RecordingFile:     recording,
		RecordingUploaded: uploaded,
		Source:            fact.Source,
		CreatedAt:         fact.StartTime,
	}
	if disposition != models.DispositionFailed {
		entry.SyncedAt = &now
	}
	if entry.Caller == "" {
		entry.Caller = fact.RawPhone
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := o.callLogs.Upsert(ctx, entry); err != nil {
		o.logger.Error("recording call log", "uniqueid", fact.UniqueID, "error", err)
	}
}

func (o *Orchestrator) deadLetter(fact CallFact, cause error, attempts int) {
	payload, err := json.Marshal(fact)
	if err != nil {
		o.logger.Error("encoding dead letter", "uniqueid", fact.UniqueID, "error", err)
		return
	}

	dl := &models.DeadLetter{
		ID:        uuid.NewString(),
		UniqueID:  fact.UniqueID,
		Payload:   string(payload),
		Reason:    cause.Error(),
		Attempts:  attempts,
		CreatedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := o.deadLetters.Create(ctx, dl); err != nil {
		o.logger.Error("persisting dead letter",
			"uniqueid", fact.UniqueID,
			"error", err,
		)
		return
	}

	o.deadLettered.Add(1)
	o.logger.Error("call dead-lettered",
		"id", dl.ID,
		"uniqueid", fact.UniqueID,
		"attempts", attempts,
		"reason", dl.Reason,
	)
}
