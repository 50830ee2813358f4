// Package tracker correlates AMI channel events into call sessions. A
// session is born on Newchannel, marked answered on BridgeEnter and
// finalized on Hangup, keyed by the Asterisk Uniqueid.
package tracker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pbxlink/pbxlink/internal/ami"
	"github.com/pbxlink/pbxlink/internal/phone"
)

// Direction of a call relative to the PBX.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status of a tracked session.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	StatusEnded    Status = "ended"
)

const (
	sweepInterval = time.Minute

	// tombstoneTTL is how long a finalized Uniqueid is remembered so that
	// late duplicate events cannot resurrect the session.
	tombstoneTTL = 5 * time.Minute
)

// CallSession is the lifecycle of one channel from ring to hangup.
// Caller holds the customer's number in canonical form; RawCaller keeps
// the value exactly as the PBX reported it.
type CallSession struct {
	UniqueID   string
	Channel    string
	Caller     string
	RawCaller  string
	Exten      string
	Direction  Direction
	Status     Status
	Abandoned  bool
	StartTime  time.Time
	AnswerTime time.Time
	EndTime    time.Time
}

// Answered reports whether the call was bridged before it ended.
func (s *CallSession) Answered() bool {
	return !s.AnswerTime.IsZero()
}

// Duration returns the talk time in whole seconds, zero for missed calls.
func (s *CallSession) Duration() int {
	if !s.Answered() || s.EndTime.IsZero() {
		return 0
	}
	return int(s.EndTime.Sub(s.AnswerTime) / time.Second)
}

// Tracker holds in-flight sessions. All methods are safe for concurrent
// use.
type Tracker struct {
	logger         *slog.Logger
	defaultCC      string
	sessionTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*CallSession
	ended    map[string]time.Time

	now func() time.Time
}

// New creates a tracker. Sessions that never see a Hangup are force
// finalized after sessionTimeout by the Run sweeper.
func New(defaultCC string, sessionTimeout time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:         logger.With("subsystem", "tracker"),
		defaultCC:      defaultCC,
		sessionTimeout: sessionTimeout,
		sessions:       make(map[string]*CallSession),
		ended:          make(map[string]time.Time),
		now:            time.Now,
	}
}

// Ingest applies one AMI event. It returns the finalized session when the
// event completes a call, nil otherwise.
func (t *Tracker) Ingest(ev ami.Event) *CallSession {
	uniqueID := ev.Get("Uniqueid")
	if uniqueID == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Name() {
	case "Newchannel":
		t.handleNewchannel(uniqueID, ev)
	case "BridgeEnter":
		s, ok := t.sessions[uniqueID]
		if !ok {
			t.logStrayLocked(uniqueID, ev.Name())
			return nil
		}
		if s.Status == StatusRinging {
			s.Status = StatusAnswered
			s.AnswerTime = t.now()
		}
	case "Hangup":
		s, ok := t.sessions[uniqueID]
		if !ok {
			t.logStrayLocked(uniqueID, ev.Name())
			return nil
		}
		return t.finalizeLocked(s)
	}
	return nil
}

// logStrayLocked records an event that arrived for a uniqueid with no live
// session: either a late duplicate for a finished call or a channel the
// tracker never saw start.
func (t *Tracker) logStrayLocked(uniqueID, event string) {
	if _, ok := t.ended[uniqueID]; ok {
		t.logger.Debug("dropping event for ended call",
			"uniqueid", uniqueID,
			"event", event,
		)
		return
	}
	t.logger.Debug("dropping event for untracked channel",
		"uniqueid", uniqueID,
		"event", event,
	)
}

func (t *Tracker) handleNewchannel(uniqueID string, ev ami.Event) {
	if _, ok := t.sessions[uniqueID]; ok {
		return
	}
	if _, ok := t.ended[uniqueID]; ok {
		// Late duplicate for a call that already finished.
		t.logger.Debug("dropping newchannel for ended call", "uniqueid", uniqueID)
		return
	}

	callCtx := ev.Get("Context")
	direction, ok := directionFor(callCtx)
	if !ok {
		// Internal or feature-code channel, not a customer call.
		return
	}

	// The customer is the remote party: the caller on inbound legs, the
	// dialed extension on outbound legs.
	rawCaller := ev.Get("CallerIDNum")
	if direction == DirectionOutbound {
		rawCaller = ev.Get("Exten")
	}

	s := &CallSession{
		UniqueID:  uniqueID,
		Channel:   ev.Get("Channel"),
		RawCaller: rawCaller,
		Exten:     ev.Get("Exten"),
		Direction: direction,
		Status:    StatusRinging,
		StartTime: t.now(),
	}

	caller, err := phone.Normalize(rawCaller, t.defaultCC)
	if err != nil {
		t.logger.Warn("caller number not normalizable",
			"uniqueid", uniqueID,
			"raw", rawCaller,
			"context", callCtx,
		)
	} else {
		s.Caller = caller
	}

	t.sessions[uniqueID] = s
	t.logger.Debug("session started",
		"uniqueid", uniqueID,
		"direction", direction,
		"caller", s.Caller,
	)
}

// directionFor maps a dialplan context to a call direction. Contexts the
// PBX uses for internal traffic return ok=false.
func directionFor(ctx string) (Direction, bool) {
	switch {
	case strings.HasPrefix(ctx, "from-trunk"),
		strings.HasPrefix(ctx, "from-pstn"),
		strings.HasPrefix(ctx, "from-did"):
		return DirectionInbound, true
	case strings.HasPrefix(ctx, "from-internal"):
		return DirectionOutbound, true
	}
	return "", false
}

func (t *Tracker) finalizeLocked(s *CallSession) *CallSession {
	s.Status = StatusEnded
	s.EndTime = t.now()
	delete(t.sessions, s.UniqueID)
	t.ended[s.UniqueID] = t.now()

	t.logger.Info("session ended",
		"uniqueid", s.UniqueID,
		"direction", s.Direction,
		"answered", s.Answered(),
		"duration", s.Duration(),
	)
	return s
}

// ActiveCount returns the number of in-flight sessions.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Run sweeps for stuck sessions until ctx is canceled. Sessions older than
// the session timeout lost their Hangup (an AMI disconnect window, a PBX
// restart) and are force finalized through emit.
func (t *Tracker) Run(ctx context.Context, emit func(*CallSession)) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range t.sweep() {
				emit(s)
			}
		}
	}
}

// sweep force-finalizes expired sessions and prunes old tombstones.
func (t *Tracker) sweep() []*CallSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []*CallSession
	for _, s := range t.sessions {
		if now.Sub(s.StartTime) > t.sessionTimeout {
			s.Abandoned = true
			t.logger.Warn("session expired without hangup",
				"uniqueid", s.UniqueID,
				"age", now.Sub(s.StartTime).String(),
			)
			expired = append(expired, t.finalizeLocked(s))
		}
	}

	for id, endedAt := range t.ended {
		if now.Sub(endedAt) > tombstoneTTL {
			delete(t.ended, id)
		}
	}
	return expired
}
