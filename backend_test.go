package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendRequest struct {
	method string
	path   string
	query  string
	body   map[string]string
}

// backendRecorder keeps every request the test server saw. Safe to read while
// background goroutines are still issuing requests.
type backendRecorder struct {
	mu   sync.Mutex
	reqs []backendRequest
}

func (r *backendRecorder) add(req backendRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
}

func (r *backendRecorder) requests() []backendRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backendRequest(nil), r.reqs...)
}

func newTestBackend(t *testing.T, respond func(r backendRequest) (any, bool, string)) (*BackendClient, *backendRecorder) {
	t.Helper()
	seen := &backendRecorder{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))

		req := backendRequest{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		_ = json.NewDecoder(r.Body).Decode(&req.body)
		seen.add(req)

		data, success, errMsg := respond(req)
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": success,
			"data":    json.RawMessage(raw),
			"error":   errMsg,
		})
	}))
	t.Cleanup(srv.Close)

	client := NewBackendClient(testSettings(t, "[backend]\nbase_url = "+srv.URL+"\nreference = deskphone\nsubscriber_id = sub-1\n"))
	return client, seen
}

func TestGetToken(t *testing.T) {
	client, seen := newTestBackend(t, func(r backendRequest) (any, bool, string) {
		return TokenData{Token: "tok-1", ExpiresIn: 900, SpaceName: "example.space.com"}, true, ""
	})

	token, err := client.GetToken(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token.Token)
	assert.Equal(t, 900, token.ExpiresIn)
	assert.Equal(t, "example.space.com", token.SpaceName)

	reqs := seen.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/auth/token", req.path)
	assert.Equal(t, "deskphone", req.body["reference"])
	assert.Equal(t, "sub-1", req.body["subscriber_id"])
}

func TestRefreshTokenSendsOldTokenHint(t *testing.T) {
	client, seen := newTestBackend(t, func(r backendRequest) (any, bool, string) {
		return TokenData{Token: "tok-2"}, true, ""
	})

	token, err := client.RefreshToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token.Token)

	req := seen.requests()[0]
	assert.Equal(t, "/auth/refresh", req.path)
	assert.Equal(t, "tok-1", req.body["token"])
}

func TestBackendErrorEnvelope(t *testing.T) {
	client, _ := newTestBackend(t, func(r backendRequest) (any, bool, string) {
		return nil, false, "subscriber not found"
	})

	_, err := client.GetToken(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber not found")
}

func TestInitiateAndEndCall(t *testing.T) {
	client, seen := newTestBackend(t, func(r backendRequest) (any, bool, string) {
		switch r.path {
		case "/calls/dial":
			return CallRecord{ID: "call-9", To: r.body["to"], Status: "active"}, true, ""
		case "/calls/end/call-9":
			return CallRecord{ID: "call-9", Status: "completed", Duration: 42}, true, ""
		}
		return nil, false, "unexpected path " + r.path
	})

	record, err := client.InitiateCall(context.Background(), "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, "call-9", record.ID)
	assert.Equal(t, "+15550001111", record.To)

	record, err = client.EndCall(context.Background(), "call-9")
	require.NoError(t, err)
	assert.Equal(t, "completed", record.Status)
	assert.Equal(t, 42, record.Duration)

	require.Len(t, seen.requests(), 2)
}

func TestCallStatus(t *testing.T) {
	client, _ := newTestBackend(t, func(r backendRequest) (any, bool, string) {
		assert.Equal(t, "/calls/status/call-3", r.path)
		return CallRecord{ID: "call-3", Status: "active"}, true, ""
	})

	record, err := client.CallStatus(context.Background(), "call-3")
	require.NoError(t, err)
	assert.Equal(t, "active", record.Status)
}

func TestCallHistoryLimit(t *testing.T) {
	client, seen := newTestBackend(t, func(r backendRequest) (any, bool, string) {
		return []CallRecord{
			{ID: "a", To: "+15550001111", Direction: "outbound"},
			{ID: "b", From: "+15559990000", Direction: "inbound"},
		}, true, ""
	})

	records, err := client.CallHistory(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "limit=2", seen.requests()[0].query)
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>upstream error</html>"))
	}))
	t.Cleanup(srv.Close)

	client := NewBackendClient(testSettings(t, "[backend]\nbase_url = "+srv.URL+"\n"))
	_, err := client.GetToken(context.Background(), "")
	assert.Error(t, err)
}
