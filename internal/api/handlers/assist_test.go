package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"snapsage/internal/core"
	"snapsage/internal/types"
)

// mockAssistGate records Execute calls and returns a canned result.
type mockAssistGate struct {
	lastUserID   string
	lastEndpoint string
	lastReq      *types.AssistRequest
	result       *types.ModelResult
	err          error
}

func (m *mockAssistGate) Execute(ctx context.Context, userID, endpoint string, req *types.AssistRequest) (*types.ModelResult, error) {
	m.lastUserID = userID
	m.lastEndpoint = endpoint
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// withTestUser injects an authenticated user id, standing in for the auth
// middleware.
func withTestUser(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(types.WithUserID(r.Context(), userID)))
		})
	}
}

func newAssistTestServer(t *testing.T, gate AssistGate, userID string) *httptest.Server {
	t.Helper()
	h := NewAssistHandler(gate, nil)
	r := chi.NewRouter()
	if userID != "" {
		r.Use(withTestUser(userID))
	}
	h.RegisterRoutes(r)
	return httptest.NewServer(r)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body core.APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body.Error.Code
}

func TestAssist_Success(t *testing.T) {
	gate := &mockAssistGate{
		result: &types.ModelResult{
			Answer:       "The button is greyed out because the form is invalid.",
			Model:        "gpt-4o",
			InputTokens:  1500,
			OutputTokens: 60,
		},
	}
	server := newAssistTestServer(t, gate, "user_123")
	defer server.Close()

	resp := postJSON(t, server.URL+"/assist", map[string]any{
		"text": "why can't I click submit?",
		"images": []map[string]any{
			{"data": "aGVsbG8=", "detail": "low"},
		},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if gate.lastUserID != "user_123" {
		t.Errorf("expected user_123, got %s", gate.lastUserID)
	}
	if gate.lastEndpoint != "assist" {
		t.Errorf("expected endpoint assist, got %s", gate.lastEndpoint)
	}
	if len(gate.lastReq.Images) != 1 {
		t.Errorf("expected 1 image forwarded, got %d", len(gate.lastReq.Images))
	}

	var body struct {
		Data AssistResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Data.Answer != gate.result.Answer {
		t.Errorf("unexpected answer: %s", body.Data.Answer)
	}
	if body.Data.InputTokens != 1500 || body.Data.OutputTokens != 60 {
		t.Errorf("expected token counts (1500, 60), got (%d, %d)", body.Data.InputTokens, body.Data.OutputTokens)
	}
}

func TestAssist_EmptyRequestRejected(t *testing.T) {
	gate := &mockAssistGate{}
	server := newAssistTestServer(t, gate, "user_123")
	defer server.Close()

	resp := postJSON(t, server.URL+"/assist", map[string]any{"text": ""})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if gate.lastReq != nil {
		t.Error("gate should not be called for an empty request")
	}
}

func TestAssist_InvalidImageDetailRejected(t *testing.T) {
	gate := &mockAssistGate{}
	server := newAssistTestServer(t, gate, "user_123")
	defer server.Close()

	resp := postJSON(t, server.URL+"/assist", map[string]any{
		"text": "hi",
		"images": []map[string]any{
			{"data": "aGVsbG8=", "detail": "medium"},
		},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != string(types.ErrCodeValidationInvalidImage) {
		t.Errorf("expected %s, got %s", types.ErrCodeValidationInvalidImage, code)
	}
}

func TestAssist_QuotaDenialPropagates(t *testing.T) {
	gate := &mockAssistGate{
		err: types.NewAppError(types.ErrCodeLimitTokens, "monthly token limit exceeded", nil),
	}
	server := newAssistTestServer(t, gate, "user_123")
	defer server.Close()

	resp := postJSON(t, server.URL+"/assist", map[string]any{"text": "hello"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != string(types.ErrCodeLimitTokens) {
		t.Errorf("expected %s, got %s", types.ErrCodeLimitTokens, code)
	}
}

func TestAssist_NoUserContext(t *testing.T) {
	gate := &mockAssistGate{}
	server := newAssistTestServer(t, gate, "")
	defer server.Close()

	resp := postJSON(t, server.URL+"/assist", map[string]any{"text": "hello"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAssist_UnknownFieldRejected(t *testing.T) {
	gate := &mockAssistGate{}
	server := newAssistTestServer(t, gate, "user_123")
	defer server.Close()

	resp := postJSON(t, server.URL+"/assist", map[string]any{
		"text":    "hello",
		"unknown": true,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
}
