package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pbxlink/pbxlink/internal/ami"
	"github.com/pbxlink/pbxlink/internal/database"
	"github.com/pbxlink/pbxlink/internal/phone"
	"github.com/pbxlink/pbxlink/internal/syncer"
)

type webhookCallRequest struct {
	UniqueID  string `json:"uniqueid"`
	Phone     string `json:"phone"`
	Direction string `json:"direction"`
	Status    string `json:"status"` // Asterisk disposition, e.g. "ANSWERED"
	Duration  int    `json:"duration"`
}

// handleWebhookCall accepts a finished call reported by a dialplan hook.
// The call is queued and the PBX is acknowledged immediately; delivery
// happens asynchronously.
func (s *Server) handleWebhookCall(w http.ResponseWriter, r *http.Request) {
	var req webhookCallRequest
	body := http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if req.UniqueID == "" {
		respondError(w, http.StatusBadRequest, "uniqueid is required")
		return
	}
	if req.Phone == "" {
		respondError(w, http.StatusBadRequest, "phone is required")
		return
	}
	switch req.Direction {
	case "":
		req.Direction = "inbound"
	case "inbound", "outbound":
	default:
		respondError(w, http.StatusBadRequest, "direction must be inbound or outbound")
		return
	}

	normalized, err := phone.Normalize(req.Phone, s.cfg.DefaultCountryCode)
	if err != nil {
		respondError(w, http.StatusBadRequest, "phone is not a dialable number")
		return
	}

	// Dialplan hooks report the Asterisk DIALSTATUS; only ANSWERED maps
	// to a completed conversation, everything else is a miss.
	answered := strings.EqualFold(req.Status, "ANSWERED")

	s.sync.Enqueue(syncer.CallFact{
		UniqueID:  req.UniqueID,
		Phone:     normalized,
		RawPhone:  req.Phone,
		Direction: req.Direction,
		Answered:  answered,
		Duration:  req.Duration,
		StartTime: time.Now(),
		Source:    "webhook",
	})

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":   "queued",
		"uniqueid": req.UniqueID,
	})
}

// handleOAuth completes the authorization code flow. Without a code it
// reports where to authorize instead.
func (s *Server) handleOAuth(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		respondJSON(w, http.StatusOK, map[string]any{
			"authorized":    s.tokens.Authorized(r.Context()),
			"authorize_url": s.tokens.AuthorizeURL(),
		})
		return
	}

	if err := s.tokens.Exchange(r.Context(), code); err != nil {
		s.logger.Error("oauth code exchange failed", "error", err)
		respondError(w, http.StatusBadGateway, "code exchange failed")
		return
	}

	// Workers paused on lost authorization can go again.
	s.sync.Resume()

	respondJSON(w, http.StatusOK, map[string]any{"authorized": true})
}

type healthStatus struct {
	Status         string     `json:"status"`
	AMI            healthAMI  `json:"ami"`
	CRM            healthCRM  `json:"crm"`
	Sync           healthSync `json:"sync"`
	ActiveSessions int        `json:"active_sessions"`
}

type healthAMI struct {
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

type healthCRM struct {
	Authorized bool `json:"authorized"`
	TokenValid bool `json:"token_valid"`
}

type healthSync struct {
	QueueDepth  int   `json:"queue_depth"`
	Paused      bool  `json:"paused"`
	DeadLetters int64 `json:"dead_letters"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthStatus{
		Status:         "ok",
		ActiveSessions: s.sessions.ActiveCount(),
	}

	if s.amiConn == nil {
		resp.AMI.State = "disabled"
	} else {
		state, lastErr := s.amiConn.Status()
		resp.AMI.State = string(state)
		resp.AMI.LastError = lastErr
		if state != ami.StateConnected {
			resp.Status = "degraded"
		}
	}

	resp.CRM.Authorized = s.tokens.Authorized(r.Context())
	resp.CRM.TokenValid = s.tokens.Valid(r.Context())
	if !resp.CRM.Authorized {
		resp.Status = "degraded"
	}

	resp.Sync.QueueDepth = s.sync.QueueDepth()
	resp.Sync.Paused = s.sync.Paused()
	if n, err := s.deadLetters.Count(r.Context()); err == nil {
		resp.Sync.DeadLetters = n
	}
	if resp.Sync.Paused {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	filter := database.CallLogFilter{
		Limit:       queryInt(r, "limit", 50),
		Offset:      queryInt(r, "offset", 0),
		Direction:   r.URL.Query().Get("direction"),
		Disposition: r.URL.Query().Get("disposition"),
		Search:      r.URL.Query().Get("search"),
	}

	calls, total, err := s.callLogs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing calls", "error", err)
		respondError(w, http.StatusInternalServerError, "listing calls failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"calls": calls,
		"total": total,
	})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, total, err := s.deadLetters.List(r.Context(),
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		s.logger.Error("listing dead letters", "error", err)
		respondError(w, http.StatusInternalServerError, "listing dead letters failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"dead_letters": letters,
		"total":        total,
	})
}

func (s *Server) handleRedriveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.sync.Redrive(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondError(w, http.StatusNotFound, "dead letter not found")
	case err != nil:
		s.logger.Error("re-driving dead letter", "id", id, "error", err)
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "requeued", "id": id})
	}
}

func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dl, err := s.deadLetters.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading dead letter", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "loading dead letter failed")
		return
	}
	if dl == nil {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}

	if err := s.deadLetters.Delete(r.Context(), id); err != nil {
		s.logger.Error("deleting dead letter", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "deleting dead letter failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
