package main

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

	"github.com/google/uuid"
)

// TokenData is a provider access credential issued by the backend. Immutable
// once issued; replaced wholesale on refresh.
type TokenData struct {
	Token        string `json:"token"`
	ExpiresAt    string `json:"expires_at"`
	ExpiresIn    int    `json:"expires_in"`
	SubscriberID string `json:"subscriber_id,omitempty"`
	ProjectID    string `json:"project_id"`
	SpaceName    string `json:"space_name"`
}

// CallRecord is the backend's view of a call.
type CallRecord struct {
	ID        string `json:"id"`
	To        string `json:"to"`
	From      string `json:"from"`
	Direction string `json:"direction"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`
	Duration  int    `json:"duration"`
}

// envelope is the backend's uniform response wrapper. success:false is a
// request failure even on HTTP 200.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// BackendClient talks to the credential and call-history REST API.
type BackendClient struct {
	baseURL   string
	reference string
	http      *http.Client
}

// NewBackendClient creates a client for the configured backend.
func NewBackendClient(settings *Settings) *BackendClient {
	return &BackendClient{
		baseURL:   strings.TrimRight(settings.BackendURL(), "/"),
		reference: settings.Reference(),
		http:      &http.Client{Timeout: settings.RequestTimeout()},
	}
}

// GetToken requests a fresh provider access token.
func (c *BackendClient) GetToken(ctx context.Context, subscriberID string) (*TokenData, error) {
	body := map[string]string{"reference": c.reference}
	if subscriberID != "" {
		body["subscriber_id"] = subscriberID
	}
	var token TokenData
	if err := c.do(ctx, http.MethodPost, "/auth/token", body, &token); err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &token, nil
}

// RefreshToken exchanges the current token for a new one. The old token is a
// refresh hint only; the backend may ignore it.
func (c *BackendClient) RefreshToken(ctx context.Context, oldToken string) (*TokenData, error) {
	body := map[string]string{"reference": c.reference}
	if oldToken != "" {
		body["token"] = oldToken
	}
	var token TokenData
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", body, &token); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return &token, nil
}

// InitiateCall logs an outbound call attempt and returns its record.
func (c *BackendClient) InitiateCall(ctx context.Context, to string) (*CallRecord, error) {
	var record CallRecord
	if err := c.do(ctx, http.MethodPost, "/calls/dial", map[string]string{"to": to}, &record); err != nil {
		return nil, fmt.Errorf("initiate call: %w", err)
	}
	return &record, nil
}

// EndCall marks a logged call as ended.
func (c *BackendClient) EndCall(ctx context.Context, id string) (*CallRecord, error) {
	var record CallRecord
	if err := c.do(ctx, http.MethodPost, "/calls/end/"+url.PathEscape(id), nil, &record); err != nil {
		return nil, fmt.Errorf("end call: %w", err)
	}
	return &record, nil
}

// CallStatus fetches the current record for a call.
func (c *BackendClient) CallStatus(ctx context.Context, id string) (*CallRecord, error) {
	var record CallRecord
	if err := c.do(ctx, http.MethodGet, "/calls/status/"+url.PathEscape(id), nil, &record); err != nil {
		return nil, fmt.Errorf("call status: %w", err)
	}
	return &record, nil
}

// CallHistory returns up to limit recent call records.
func (c *BackendClient) CallHistory(ctx context.Context, limit int) ([]CallRecord, error) {
	path := "/calls/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var records []CallRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, fmt.Errorf("call history: %w", err)
	}
	return records, nil
}

func (c *BackendClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response (%d): %w", res.StatusCode, err)
	}
	if !env.Success {
		if env.Error != "" {
			return fmt.Errorf("backend: %s", env.Error)
		}
		return fmt.Errorf("backend: request failed (%d)", res.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	return nil
}
