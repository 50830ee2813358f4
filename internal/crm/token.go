// Package crm implements the AmoCRM v4 API client and its OAuth token
// lifecycle.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pbxlink/pbxlink/internal/database"
	"github.com/pbxlink/pbxlink/internal/database/models"
)

const (
	// expiryMargin refreshes tokens slightly early so a request never
	// leaves with a token about to die in flight.
	expiryMargin = 5 * time.Minute

	// refreshCheckInterval drives the background proactive refresh.
	refreshCheckInterval = 10 * time.Minute

	tokenRequestTimeout = 15 * time.Second
)

// TokenStore persists the OAuth token pair and rotates it. The mutex is
// held across the refresh HTTP call so concurrent callers hitting an
// expired token trigger exactly one refresh.
type TokenStore struct {
	repo         database.TokenRepository
	baseURL      string
	clientID     string
	clientSecret string
	redirectURI  string
	httpClient   *http.Client
	logger       *slog.Logger

	mu     sync.Mutex
	cached *models.OAuthToken
	loaded bool
}

// NewTokenStore creates a token store backed by repo. baseURL is the
// account root, e.g. https://example.amocrm.ru.
func NewTokenStore(repo database.TokenRepository, baseURL, clientID, clientSecret, redirectURI string, logger *slog.Logger) *TokenStore {
	return &TokenStore{
		repo:         repo,
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		httpClient:   &http.Client{Timeout: tokenRequestTimeout},
		logger:       logger.With("subsystem", "crm.tokens"),
	}
}

// AccessToken returns a valid access token, refreshing first when the
// stored one is expired or about to expire. It returns ErrNeedsAuth when
// no token has ever been issued.
func (ts *TokenStore) AccessToken(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := ts.loadLocked(ctx); err != nil {
		return "", err
	}
	if ts.cached == nil {
		return "", ErrNeedsAuth
	}
	if ts.cached.Expired(expiryMargin) {
		if err := ts.refreshLocked(ctx); err != nil {
			return "", err
		}
	}
	return ts.cached.AccessToken, nil
}

// ForceRefresh rotates the token pair after the API rejected stale. When
// another caller already rotated past stale, the current token is returned
// without a second refresh.
func (ts *TokenStore) ForceRefresh(ctx context.Context, stale string) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := ts.loadLocked(ctx); err != nil {
		return "", err
	}
	if ts.cached == nil {
		return "", ErrNeedsAuth
	}
	if ts.cached.AccessToken != stale {
		return ts.cached.AccessToken, nil
	}
	if err := ts.refreshLocked(ctx); err != nil {
		return "", err
	}
	return ts.cached.AccessToken, nil
}

// Exchange trades an authorization code for the initial token pair.
func (ts *TokenStore) Exchange(ctx context.Context, code string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	tok, err := ts.requestToken(ctx, map[string]string{
		"grant_type": "authorization_code",
		"code":       code,
	})
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	if err := ts.repo.Save(ctx, tok); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	ts.cached = tok
	ts.loaded = true
	ts.logger.Info("authorization completed", "expires_at", tok.ExpiresAt)
	return nil
}

// Authorized reports whether a token pair exists, expired or not.
func (ts *TokenStore) Authorized(ctx context.Context) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := ts.loadLocked(ctx); err != nil {
		return false
	}
	return ts.cached != nil
}

// Valid reports whether the current access token is usable without a
// refresh.
func (ts *TokenStore) Valid(ctx context.Context) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := ts.loadLocked(ctx); err != nil {
		return false
	}
	return ts.cached != nil && !ts.cached.Expired(expiryMargin)
}

// AuthorizeURL returns the page where an operator grants access.
func (ts *TokenStore) AuthorizeURL() string {
	q := url.Values{}
	q.Set("client_id", ts.clientID)
	q.Set("mode", "post_message")
	return "https://www.amocrm.ru/oauth?" + q.Encode()
}

// Invalidate drops the stored token pair, forcing a new OAuth flow.
func (ts *TokenStore) Invalidate(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.cached = nil
	ts.loaded = true
	return ts.repo.Delete(ctx)
}

// Run refreshes the token in the background before it expires, so the
// first call after a quiet night does not pay the refresh latency.
func (ts *TokenStore) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.mu.Lock()
			if err := ts.loadLocked(ctx); err == nil &&
				ts.cached != nil && ts.cached.Expired(3*expiryMargin) {
				if err := ts.refreshLocked(ctx); err != nil {
					ts.logger.Warn("background token refresh failed", "error", err)
				}
			}
			ts.mu.Unlock()
		}
	}
}

// loadLocked populates the cache from the repository once.
func (ts *TokenStore) loadLocked(ctx context.Context) error {
	if ts.loaded {
		return nil
	}
	tok, err := ts.repo.Get(ctx)
	if err != nil {
		return fmt.Errorf("loading token: %w", err)
	}
	ts.cached = tok
	ts.loaded = true
	return nil
}

// refreshLocked rotates the pair using the refresh token. A rejected
// refresh token is unrecoverable and clears the store.
func (ts *TokenStore) refreshLocked(ctx context.Context) error {
	tok, err := ts.requestToken(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": ts.cached.RefreshToken,
	})
	if err != nil {
		var pe *PermanentError
		if errors.As(err, &pe) {
			ts.logger.Error("refresh token rejected, re-authorization required",
				"status", pe.Status)
			ts.cached = nil
			if delErr := ts.repo.Delete(ctx); delErr != nil {
				ts.logger.Error("clearing rejected token", "error", delErr)
			}
			return ErrNeedsAuth
		}
		return fmt.Errorf("refreshing token: %w", err)
	}
	if err := ts.repo.Save(ctx, tok); err != nil {
		return fmt.Errorf("saving refreshed token: %w", err)
	}
	ts.cached = tok
	ts.logger.Info("token refreshed", "expires_at", tok.ExpiresAt)
	return nil
}

// requestToken calls the oauth2 endpoint with the shared client fields
// plus grant-specific params.
func (ts *TokenStore) requestToken(ctx context.Context, params map[string]string) (*models.OAuthToken, error) {
	payload := map[string]string{
		"client_id":     ts.clientID,
		"client_secret": ts.clientSecret,
		"redirect_uri":  ts.redirectURI,
	}
	for k, v := range params {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		ts.baseURL+"/oauth2/access_token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Status: resp.StatusCode}
	default:
		return nil, &PermanentError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return nil, fmt.Errorf("token response missing token pair")
	}

	now := time.Now()
	return &models.OAuthToken{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		UpdatedAt:    now,
	}, nil
}
