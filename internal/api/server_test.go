package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pbxlink/pbxlink/internal/ami"
	"github.com/pbxlink/pbxlink/internal/api/middleware"
	"github.com/pbxlink/pbxlink/internal/database"
	"github.com/pbxlink/pbxlink/internal/database/models"
	"github.com/pbxlink/pbxlink/internal/syncer"
)

type fakeSync struct {
	queued     []syncer.CallFact
	paused     bool
	resumed    bool
	redriveErr error
	redriven   []string
}

func (f *fakeSync) Enqueue(fact syncer.CallFact) { f.queued = append(f.queued, fact) }
func (f *fakeSync) QueueDepth() int              { return len(f.queued) }
func (f *fakeSync) Paused() bool                 { return f.paused }
func (f *fakeSync) Resume()                      { f.resumed = true }

var _ SyncManager = (*fakeSync)(nil)

func (f *fakeSync) Redrive(ctx context.Context, id string) error {
	if f.redriveErr != nil {
		return f.redriveErr
	}
	f.redriven = append(f.redriven, id)
	return nil
}

type fakeTokens struct {
	authorized  bool
	valid       bool
	exchangeErr error
	exchanged   []string
}

func (f *fakeTokens) Exchange(ctx context.Context, code string) error {
	if f.exchangeErr != nil {
		return f.exchangeErr
	}
	f.exchanged = append(f.exchanged, code)
	f.authorized = true
	f.valid = true
	return nil
}

func (f *fakeTokens) Authorized(ctx context.Context) bool { return f.authorized }
func (f *fakeTokens) Valid(ctx context.Context) bool      { return f.valid }
func (f *fakeTokens) AuthorizeURL() string                { return "https://www.amocrm.ru/oauth?client_id=id" }

type fakeAMI struct {
	state   ami.State
	lastErr string
}

func (f *fakeAMI) Status() (ami.State, string) { return f.state, f.lastErr }

type fakeSessions struct{ n int }

func (f *fakeSessions) ActiveCount() int { return f.n }

type memCallLogs struct{ calls []models.CallLog }

func (m *memCallLogs) GetByUniqueID(ctx context.Context, uniqueID string) (*models.CallLog, error) {
	return nil, nil
}
func (m *memCallLogs) Upsert(ctx context.Context, log *models.CallLog) error { return nil }
func (m *memCallLogs) CountByDirection(ctx context.Context) (map[string]int64, error) {
	return nil, nil
}

func (m *memCallLogs) List(ctx context.Context, filter database.CallLogFilter) ([]models.CallLog, int, error) {
	return m.calls, len(m.calls), nil
}

type memDeadLetters struct{ letters map[string]models.DeadLetter }

func (m *memDeadLetters) Create(ctx context.Context, dl *models.DeadLetter) error {
	m.letters[dl.ID] = *dl
	return nil
}

func (m *memDeadLetters) GetByID(ctx context.Context, id string) (*models.DeadLetter, error) {
	if dl, ok := m.letters[id]; ok {
		return &dl, nil
	}
	return nil, nil
}

func (m *memDeadLetters) List(ctx context.Context, limit, offset int) ([]models.DeadLetter, int, error) {
	var out []models.DeadLetter
	for _, dl := range m.letters {
		out = append(out, dl)
	}
	return out, len(out), nil
}

func (m *memDeadLetters) Delete(ctx context.Context, id string) error {
	delete(m.letters, id)
	return nil
}

func (m *memDeadLetters) Count(ctx context.Context) (int64, error) {
	return int64(len(m.letters)), nil
}

type testEnv struct {
	server  *Server
	sync    *fakeSync
	tokens  *fakeTokens
	amiConn *fakeAMI
	letters *memDeadLetters
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sync:    &fakeSync{},
		tokens:  &fakeTokens{authorized: true, valid: true},
		amiConn: &fakeAMI{state: ami.StateConnected},
		letters: &memDeadLetters{letters: make(map[string]models.DeadLetter)},
	}
	env.server = NewServer(
		Config{AdminJWTSecret: "test-secret", DefaultCountryCode: "7"},
		env.amiConn,
		&fakeSessions{n: 2},
		env.sync,
		env.tokens,
		&memCallLogs{},
		env.letters,
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return env
}

func (env *testEnv) request(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestWebhookQueuesCall(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/webhook/call", map[string]any{
		"uniqueid":  "1700000000.42",
		"phone":     "8 (999) 123-45-67",
		"direction": "inbound",
		"status":    "ANSWERED",
		"duration":  95,
	}, "")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	if len(env.sync.queued) != 1 {
		t.Fatalf("expected 1 queued fact, got %d", len(env.sync.queued))
	}
	fact := env.sync.queued[0]
	if fact.Phone != "79991234567" {
		t.Errorf("phone = %q, want normalized 79991234567", fact.Phone)
	}
	if fact.Source != "webhook" || fact.UniqueID != "1700000000.42" {
		t.Errorf("unexpected fact %+v", fact)
	}
	if !fact.Answered {
		t.Error("status ANSWERED must queue an answered call")
	}
	if fact.Duration != 95 {
		t.Errorf("duration = %d, want 95", fact.Duration)
	}
}

func TestWebhookStatusMapping(t *testing.T) {
	cases := []struct {
		status   string
		answered bool
	}{
		{"ANSWERED", true},
		{"answered", true},
		{"NO ANSWER", false},
		{"BUSY", false},
		{"FAILED", false},
		{"", false},
	}

	for _, tc := range cases {
		t.Run("status "+tc.status, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.request(t, http.MethodPost, "/webhook/call", map[string]any{
				"uniqueid": "1.1",
				"phone":    "79991234567",
				"status":   tc.status,
			}, "")
			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d, want 202", rec.Code)
			}
			if got := env.sync.queued[0].Answered; got != tc.answered {
				t.Errorf("Answered = %v for status %q, want %v", got, tc.status, tc.answered)
			}
		})
	}
}

func TestWebhookValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing uniqueid", map[string]any{"phone": "79991234567"}},
		{"missing phone", map[string]any{"uniqueid": "1.1"}},
		{"bad direction", map[string]any{"uniqueid": "1.1", "phone": "79991234567", "direction": "sideways"}},
		{"unparseable phone", map[string]any{"uniqueid": "1.1", "phone": "anonymous"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.request(t, http.MethodPost, "/webhook/call", tc.body, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
	if len(env.sync.queued) != 0 {
		t.Errorf("invalid requests must not enqueue, got %d", len(env.sync.queued))
	}
}

func TestOAuthExchangeResumesSync(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/oauth?code=def502", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(env.tokens.exchanged) != 1 || env.tokens.exchanged[0] != "def502" {
		t.Errorf("code not exchanged: %v", env.tokens.exchanged)
	}
	if !env.sync.resumed {
		t.Error("sync must resume after successful authorization")
	}
}

func TestOAuthWithoutCodeReturnsAuthorizeURL(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.authorized = false

	rec := env.request(t, http.MethodGet, "/oauth", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Data struct {
			Authorized   bool   `json:"authorized"`
			AuthorizeURL string `json:"authorize_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Authorized || resp.Data.AuthorizeURL == "" {
		t.Errorf("unexpected response %+v", resp.Data)
	}
	if env.sync.resumed {
		t.Error("sync must not resume without an exchange")
	}
}

func TestOAuthExchangeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.exchangeErr = context.DeadlineExceeded

	rec := env.request(t, http.MethodGet, "/oauth?code=bad", nil, "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if env.sync.resumed {
		t.Error("sync must not resume after a failed exchange")
	}
}

func TestHealthReflectsComponentState(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	env.amiConn.state = ami.StateDisconnected
	env.amiConn.lastErr = "connection refused"

	rec = env.request(t, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when ami is down", rec.Code)
	}

	var resp struct {
		Data healthStatus `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Data.Status)
	}
	if resp.Data.AMI.State != "disconnected" || resp.Data.AMI.LastError == "" {
		t.Errorf("ami state not reported: %+v", resp.Data.AMI)
	}
	if resp.Data.ActiveSessions != 2 {
		t.Errorf("active sessions = %d, want 2", resp.Data.ActiveSessions)
	}
}

func TestAdminAPIRequiresJWT(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/api/v1/calls", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/api/v1/calls", nil, "not-a-jwt")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with a bad token", rec.Code)
	}

	token, err := middleware.AdminToken("test-secret", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rec = env.request(t, http.MethodGet, "/api/v1/calls", nil, token)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with a valid token: %s", rec.Code, rec.Body)
	}

	wrong, err := middleware.AdminToken("other-secret", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rec = env.request(t, http.MethodGet, "/api/v1/calls", nil, wrong)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for a foreign signature", rec.Code)
	}
}

func TestDeadLetterRedrive(t *testing.T) {
	env := newTestEnv(t)
	token, err := middleware.AdminToken("test-secret", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	rec := env.request(t, http.MethodPost, "/api/v1/dead-letters/dl-1/redrive", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(env.sync.redriven) != 1 || env.sync.redriven[0] != "dl-1" {
		t.Errorf("redrive not forwarded: %v", env.sync.redriven)
	}

	env.sync.redriveErr = database.ErrNotFound
	rec = env.request(t, http.MethodPost, "/api/v1/dead-letters/missing/redrive", nil, token)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown id", rec.Code)
	}
}

func TestDeadLetterDelete(t *testing.T) {
	env := newTestEnv(t)
	env.letters.letters["dl-1"] = models.DeadLetter{ID: "dl-1", UniqueID: "1.1"}
	token, err := middleware.AdminToken("test-secret", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	rec := env.request(t, http.MethodDelete, "/api/v1/dead-letters/dl-1", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(env.letters.letters) != 0 {
		t.Error("dead letter not deleted")
	}

	rec = env.request(t, http.MethodDelete, "/api/v1/dead-letters/dl-1", nil, token)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for missing id", rec.Code)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]any{"uniqueid": "1.1", "phone": "79991234567"}
	limited := false
	for i := 0; i < webhookBurst+5; i++ {
		rec := env.request(t, http.MethodPost, "/webhook/call", body, "")
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst of requests was never rate limited")
	}
}
