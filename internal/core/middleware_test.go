package core

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"snapsage/internal/config"
	"snapsage/internal/types"
)

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Error("expected a generated request id in the context")
	}
	if got := w.Header().Get("X-Request-Id"); got != seen {
		t.Errorf("expected request id echoed in header, got %q want %q", got, seen)
	}
}

func TestRequestIDMiddleware_PropagatesIncomingID(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "req_abc")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if seen != "req_abc" {
		t.Errorf("expected incoming request id reused, got %q", seen)
	}
}

// stubAuthenticator resolves a fixed token to a fixed user.
type stubAuthenticator struct {
	userID string
	err    error
}

func (s *stubAuthenticator) Verify(token string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.userID, nil
}

func newAuthTestServer(t *testing.T, authn Authenticator) *Server {
	t.Helper()
	cfg := &config.Config{Service: "snapsage-metering"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := NewServer(cfg, logger, authn)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body APIErrorResponse
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body.Error.Code
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	srv := newAuthTestServer(t, &stubAuthenticator{userID: "user_1"})
	handler := srv.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without credentials")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/plan", nil))

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Result().StatusCode)
	}
	if code := errorCode(t, w); code != string(types.ErrCodeAuthTokenMissing) {
		t.Errorf("expected %s, got %s", types.ErrCodeAuthTokenMissing, code)
	}
}

func TestAuthMiddleware_NonBearerHeader(t *testing.T) {
	srv := newAuthTestServer(t, &stubAuthenticator{userID: "user_1"})
	handler := srv.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without credentials")
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/plan", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Result().StatusCode)
	}
	if code := errorCode(t, w); code != string(types.ErrCodeAuthTokenInvalid) {
		t.Errorf("expected %s, got %s", types.ErrCodeAuthTokenInvalid, code)
	}
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	srv := newAuthTestServer(t, &stubAuthenticator{
		err: types.NewAppError(types.ErrCodeAuthTokenExpired, "access token expired", nil),
	})
	handler := srv.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run with an expired token")
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/plan", nil)
	r.Header.Set("Authorization", "Bearer expired.token.here")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Result().StatusCode)
	}
	if code := errorCode(t, w); code != string(types.ErrCodeAuthTokenExpired) {
		t.Errorf("expected %s, got %s", types.ErrCodeAuthTokenExpired, code)
	}
}

func TestAuthMiddleware_ValidTokenInjectsUser(t *testing.T) {
	srv := newAuthTestServer(t, &stubAuthenticator{userID: "user_42"})

	var gotUser string
	handler := srv.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = types.GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/plan", nil)
	r.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Result().StatusCode)
	}
	if gotUser != "user_42" {
		t.Errorf("expected user_42 in context, got %q", gotUser)
	}
}

func TestRecoverer_PanicBecomes500(t *testing.T) {
	srv := newAuthTestServer(t, &stubAuthenticator{userID: "user_1"})
	handler := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}

	var body APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("panic response must still be valid JSON: %v", err)
	}
	if body.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected internal error code, got %s", body.Error.Code)
	}
}
