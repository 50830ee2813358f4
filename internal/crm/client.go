package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const (
	apiRequestTimeout = 30 * time.Second

	// maxResponseBody caps how much of a response is read into memory.
	maxResponseBody = 1 << 20

	// Call note statuses in the AmoCRM note params schema.
	callStatusAnswered = 4
	callStatusMissed   = 6
)

// Contact is the subset of the AmoCRM contact the bridge needs.
type Contact struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CallNote describes one finished call to attach to a contact.
type CallNote struct {
	Phone     string
	Direction string // "inbound" or "outbound"
	Duration  int    // talk seconds
	Answered  bool
	UniqueID  string
	Result    string
}

// Client talks to the AmoCRM v4 API. All requests carry the bearer token
// from the store; a 401 triggers one forced refresh and one retry.
type Client struct {
	baseURL    string
	tokens     *TokenStore
	source     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an API client for the account at baseURL. source is
// the service name stamped on notes and unsorted leads.
func NewClient(baseURL string, tokens *TokenStore, source string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		source:     source,
		httpClient: &http.Client{Timeout: apiRequestTimeout},
		logger:     logger.With("subsystem", "crm"),
	}
}

// FindContact looks up a contact by phone number. It returns nil when no
// contact matches. The query uses bare digits so stored formatting in the
// CRM does not defeat the match.
func (c *Client) FindContact(ctx context.Context, phoneNumber string) (*Contact, error) {
	q := url.Values{}
	q.Set("query", phoneNumber)
	q.Set("limit", "1")

	var out struct {
		Embedded struct {
			Contacts []Contact `json:"contacts"`
		} `json:"_embedded"`
	}
	status, err := c.do(ctx, http.MethodGet, "/api/v4/contacts?"+q.Encode(), nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(out.Embedded.Contacts) == 0 {
		return nil, nil
	}
	return &out.Embedded.Contacts[0], nil
}

// AddCallNote attaches a call note to the contact.
func (c *Client) AddCallNote(ctx context.Context, contactID int64, note CallNote) error {
	noteType := "call_in"
	if note.Direction == "outbound" {
		noteType = "call_out"
	}
	callStatus := callStatusMissed
	if note.Answered {
		callStatus = callStatusAnswered
	}

	payload := []map[string]any{{
		"note_type": noteType,
		"params": map[string]any{
			"uniq":        note.UniqueID,
			"phone":       note.Phone,
			"duration":    note.Duration,
			"call_status": callStatus,
			"call_result": note.Result,
			"source":      c.source,
		},
	}}

	path := fmt.Sprintf("/api/v4/contacts/%d/notes", contactID)
	if _, err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("adding call note: %w", err)
	}
	return nil
}

// CreateUnsortedLead files a call from an unknown number into the
// unsorted queue so a manager can claim it.
func (c *Client) CreateUnsortedLead(ctx context.Context, note CallNote) error {
	name := fmt.Sprintf("Call from %s", note.Phone)
	if note.Direction == "outbound" {
		name = fmt.Sprintf("Call to %s", note.Phone)
	}

	payload := []map[string]any{{
		"source_name": c.source,
		"source_uid":  note.UniqueID,
		"metadata": map[string]any{
			"form_id":      c.source,
			"form_name":    "Call",
			"form_sent_at": time.Now().Unix(),
		},
		"_embedded": map[string]any{
			"leads": []map[string]any{{
				"name": name,
			}},
			"contacts": []map[string]any{{
				"name": note.Phone,
				"custom_fields_values": []map[string]any{{
					"field_code": "PHONE",
					"values":     []map[string]any{{"value": note.Phone}},
				}},
			}},
		},
	}}

	if _, err := c.do(ctx, http.MethodPost, "/api/v4/leads/unsorted/forms", payload, nil); err != nil {
		return fmt.Errorf("creating unsorted lead: %w", err)
	}
	return nil
}

// UploadRecording attaches a call recording file to the contact.
func (c *Client) UploadRecording(ctx context.Context, contactID int64, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading recording: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	apiPath := fmt.Sprintf("/api/v4/contacts/%d/files", contactID)
	err = c.doRaw(ctx, http.MethodPost, apiPath, body.Bytes(), mw.FormDataContentType(), nil)
	if err != nil {
		return fmt.Errorf("uploading recording: %w", err)
	}
	return nil
}

// do sends a JSON request. It returns the response status so callers can
// distinguish 204 empty results.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	var body []byte
	contentType := ""
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		contentType = "application/json"
	}
	status := 0
	err := c.doRawStatus(ctx, method, path, body, contentType, out, &status)
	return status, err
}

func (c *Client) doRaw(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var status int
	return c.doRawStatus(ctx, method, path, body, contentType, out, &status)
}

// doRawStatus performs the request with bearer auth. On 401 it forces one
// token refresh and retries once; a second 401 means the authorization is
// gone for good.
func (c *Client) doRawStatus(ctx context.Context, method, path string, body []byte, contentType string, out any, status *int) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	resp, respBody, err := c.send(ctx, method, path, body, contentType, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("request rejected with 401, refreshing token", "path", path)
		token, err = c.tokens.ForceRefresh(ctx, token)
		if err != nil {
			return err
		}
		resp, respBody, err = c.send(ctx, method, path, body, contentType, token)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return ErrAuthExpired
		}
	}

	*status = resp.StatusCode
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Status: resp.StatusCode}
	default:
		return &PermanentError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, contentType, token string) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, nil, &TransientError{Err: err}
	}
	return resp, respBody, nil
}
