package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"snapsage/internal/config"
	"snapsage/internal/core"
	"snapsage/internal/types"
)

// mockCheckoutService records checkout/portal calls.
type mockCheckoutService struct {
	lastUserID string
	lastEmail  string
	lastPlan   types.PlanTier
	lastURLs   types.RedirectURLs
	checkout   string
	session    string
	portal     string
	err        error
}

func (m *mockCheckoutService) CreateCheckoutSession(
	ctx context.Context,
	userID string,
	email string,
	plan types.PlanTier,
	urls types.RedirectURLs,
) (string, string, error) {
	m.lastUserID = userID
	m.lastEmail = email
	m.lastPlan = plan
	m.lastURLs = urls
	if m.err != nil {
		return "", "", m.err
	}
	return m.checkout, m.session, nil
}

func (m *mockCheckoutService) CreatePortalSession(ctx context.Context, userID string, returnURL string) (string, error) {
	m.lastUserID = userID
	if m.err != nil {
		return "", m.err
	}
	return m.portal, nil
}

func newBillingTestServer(t *testing.T, svc CheckoutService) *httptest.Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.DashboardURL = "https://app.snapsage.io"
	h := NewBillingHandler(svc, cfg, core.NewValidator(), nil)
	r := chi.NewRouter()
	r.Use(withTestUser("user_123"))
	h.RegisterRoutes(r)
	return httptest.NewServer(r)
}

func TestCreateCheckout_Success(t *testing.T) {
	svc := &mockCheckoutService{
		checkout: "https://checkout.stripe.com/session/cs_1",
		session:  "cs_1",
	}
	server := newBillingTestServer(t, svc)
	defer server.Close()

	resp := postJSON(t, server.URL+"/billing/checkout", map[string]any{
		"plan":  "ultra",
		"email": "u@example.com",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if svc.lastUserID != "user_123" {
		t.Errorf("expected user_123, got %s", svc.lastUserID)
	}
	if svc.lastPlan != types.PlanUltra {
		t.Errorf("expected plan ultra, got %s", svc.lastPlan)
	}
	if svc.lastEmail != "u@example.com" {
		t.Errorf("expected email forwarded, got %s", svc.lastEmail)
	}
	if svc.lastURLs.Success != "https://app.snapsage.io/billing?success=true" {
		t.Errorf("unexpected success url: %s", svc.lastURLs.Success)
	}
	if svc.lastURLs.Cancel != "https://app.snapsage.io/billing?canceled=true" {
		t.Errorf("unexpected cancel url: %s", svc.lastURLs.Cancel)
	}

	var body struct {
		Data CheckoutResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Data.SessionID != "cs_1" {
		t.Errorf("expected session cs_1, got %s", body.Data.SessionID)
	}
}

func TestCreateCheckout_StartTierRejected(t *testing.T) {
	svc := &mockCheckoutService{}
	server := newBillingTestServer(t, svc)
	defer server.Close()

	resp := postJSON(t, server.URL+"/billing/checkout", map[string]any{"plan": "start"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if svc.lastPlan != "" {
		t.Error("service should not be called for a non-purchasable tier")
	}
}

func TestCreateCheckout_InternalTierRejected(t *testing.T) {
	svc := &mockCheckoutService{}
	server := newBillingTestServer(t, svc)
	defer server.Close()

	resp := postJSON(t, server.URL+"/billing/checkout", map[string]any{"plan": "internal"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateCheckout_MissingPlanRejected(t *testing.T) {
	svc := &mockCheckoutService{}
	server := newBillingTestServer(t, svc)
	defer server.Close()

	resp := postJSON(t, server.URL+"/billing/checkout", map[string]any{})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateCheckout_PaymentDeclined(t *testing.T) {
	svc := &mockCheckoutService{
		err: types.NewAppError(types.ErrCodePaymentDeclined, "card declined", nil),
	}
	server := newBillingTestServer(t, svc)
	defer server.Close()

	resp := postJSON(t, server.URL+"/billing/checkout", map[string]any{"plan": "normal"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", resp.StatusCode)
	}
}

func TestCreatePortal_Success(t *testing.T) {
	svc := &mockCheckoutService{portal: "https://billing.stripe.com/session/bps_1"}
	server := newBillingTestServer(t, svc)
	defer server.Close()

	resp, err := http.Post(server.URL+"/billing/portal", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Data PortalResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Data.PortalURL != "https://billing.stripe.com/session/bps_1" {
		t.Errorf("unexpected portal url: %s", body.Data.PortalURL)
	}
}

func TestCreatePortal_NoBillingAccount(t *testing.T) {
	svc := &mockCheckoutService{
		err: types.NewAppError(types.ErrCodeNotFoundSubscription, "no billing account", nil),
	}
	server := newBillingTestServer(t, svc)
	defer server.Close()

	resp, err := http.Post(server.URL+"/billing/portal", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
