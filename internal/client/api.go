package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cosession/api/internal/collab"
	"cosession/api/internal/store"
)

// API is the slice of the session HTTP surface an agent calls.
type API interface {
	GetState(ctx context.Context, sessionID string) (store.Snapshot, error)
	PersistContent(ctx context.Context, sessionID, participantID string, content json.RawMessage) (store.Session, error)
	RequestEditPermission(ctx context.Context, sessionID, participantID string) (store.Participant, error)
	AcquireLock(ctx context.Context, sessionID, participantID string) (store.Session, error)
	ReleaseLock(ctx context.Context, sessionID, participantID string) (store.Session, error)
}

// HTTPAPI talks to the API server over HTTP. Error responses are turned back
// into *collab.DomainError values so callers can use errors.Is on the kinds.
type HTTPAPI struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAPI(baseURL string, client *http.Client) *HTTPAPI {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAPI{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (a *HTTPAPI) GetState(ctx context.Context, sessionID string) (store.Snapshot, error) {
	var out store.Snapshot
	err := a.do(ctx, http.MethodGet, sessionPath(sessionID, "state"), "", nil, &out)
	return out, err
}

func (a *HTTPAPI) PersistContent(ctx context.Context, sessionID, participantID string, content json.RawMessage) (store.Session, error) {
	var out store.Session
	body := map[string]json.RawMessage{"content": content}
	err := a.do(ctx, http.MethodPut, sessionPath(sessionID, "content"), participantID, body, &out)
	return out, err
}

func (a *HTTPAPI) RequestEditPermission(ctx context.Context, sessionID, participantID string) (store.Participant, error) {
	var out store.Participant
	err := a.do(ctx, http.MethodPost, sessionPath(sessionID, "permission/request"), participantID, nil, &out)
	return out, err
}

func (a *HTTPAPI) AcquireLock(ctx context.Context, sessionID, participantID string) (store.Session, error) {
	var out store.Session
	err := a.do(ctx, http.MethodPost, sessionPath(sessionID, "lock"), participantID, nil, &out)
	return out, err
}

func (a *HTTPAPI) ReleaseLock(ctx context.Context, sessionID, participantID string) (store.Session, error) {
	var out store.Session
	err := a.do(ctx, http.MethodDelete, sessionPath(sessionID, "lock"), participantID, nil, &out)
	return out, err
}

func sessionPath(sessionID, suffix string) string {
	return "/api/sessions/" + url.PathEscape(sessionID) + "/" + suffix
}

func (a *HTTPAPI) do(ctx context.Context, method, path, participantID string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if participantID != "" {
		req.Header.Set("X-Participant-ID", participantID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return transportError(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	return decodeError(resp)
}

type errorBody struct {
	Code    string          `json:"code"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func decodeError(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	if body.Error == "" {
		body.Error = resp.Status
	}

	domainErr := &collab.DomainError{Code: body.Code, Message: body.Error}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		domainErr.Kind = collab.ErrValidation
	case http.StatusForbidden:
		domainErr.Kind = collab.ErrAuthorization
		if body.Code == "LOCK_FORBIDDEN" {
			domainErr.Kind = collab.ErrLockForbidden
		}
	case http.StatusNotFound:
		domainErr.Kind = collab.ErrNotFound
	case http.StatusConflict:
		domainErr.Kind = collab.ErrInvalidState
		if body.Code == "ALREADY_GRANTED" {
			domainErr.Kind = collab.ErrAlreadyGranted
		}
	case http.StatusTooManyRequests:
		domainErr.Kind = collab.ErrCooldown
		var details collab.CooldownDetails
		_ = json.Unmarshal(body.Details, &details)
		if details.RemainingSeconds == 0 {
			details.RemainingSeconds, _ = strconv.Atoi(resp.Header.Get("Retry-After"))
		}
		domainErr.Details = details
	case http.StatusLocked:
		domainErr.Kind = collab.ErrLocked
	default:
		domainErr.Kind = collab.ErrTransport
	}
	if domainErr.Details == nil && len(body.Details) > 0 {
		domainErr.Details = body.Details
	}
	return domainErr
}

func transportError(err error) error {
	return &collab.DomainError{Kind: collab.ErrTransport, Code: "TRANSPORT", Message: err.Error()}
}
