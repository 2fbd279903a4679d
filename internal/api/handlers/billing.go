package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"snapsage/internal/config"
	"snapsage/internal/core"
	"snapsage/internal/types"
)

// CheckoutService abstracts the payment provider's checkout and portal
// surfaces. Implemented by external.StripeClient.
type CheckoutService interface {
	// CreateCheckoutSession returns a hosted checkout URL for the target tier.
	// The provider customer is created on first use.
	CreateCheckoutSession(
		ctx context.Context,
		userID string,
		email string,
		plan types.PlanTier,
		urls types.RedirectURLs,
	) (checkoutURL string, sessionID string, err error)

	// CreatePortalSession returns a hosted billing portal URL.
	CreatePortalSession(ctx context.Context, userID string, returnURL string) (portalURL string, err error)
}

// CreateCheckoutRequest is the request body for POST /v1/billing/checkout.
//
// Redirect URLs are constructed server-side from the configured dashboard URL
// and are never accepted from client input, which rules out open redirects.
type CreateCheckoutRequest struct {
	Plan types.PlanTier `json:"plan" validate:"required,oneof=normal high ultra premium"`
	// Email seeds the provider customer record on first checkout. Optional;
	// the provider collects one during checkout when absent.
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// CheckoutResponse is the response for POST /v1/billing/checkout.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// PortalResponse is the response for POST /v1/billing/portal.
type PortalResponse struct {
	PortalURL string `json:"portal_url"`
}

// BillingHandler handles synchronous billing actions initiated by the user:
// starting a checkout for a paid tier and opening the self-serve portal.
type BillingHandler struct {
	service      CheckoutService
	validator    *core.Validator
	dashboardURL string
	logger       *slog.Logger
}

// NewBillingHandler creates a BillingHandler with the provided dependencies.
func NewBillingHandler(svc CheckoutService, cfg *config.Config, v *core.Validator, logger *slog.Logger) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}

	dashboardURL := ""
	if cfg != nil {
		dashboardURL = cfg.Server.DashboardURL
	}

	return &BillingHandler{
		service:      svc,
		validator:    v,
		dashboardURL: dashboardURL,
		logger:       logger,
	}
}

// RegisterRoutes mounts the billing endpoints on the authenticated router.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/checkout", h.CreateCheckout)
	r.Post("/billing/portal", h.CreatePortal)
}

// CreateCheckout handles POST /v1/billing/checkout. Only paid tiers can be
// bought; dropping to the start tier goes through plan cancellation instead.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	urls := types.RedirectURLs{
		Success: h.dashboardURL + "/billing?success=true",
		Cancel:  h.dashboardURL + "/billing?canceled=true",
	}

	checkoutURL, sessionID, err := h.service.CreateCheckoutSession(r.Context(), userID, req.Email, req.Plan, urls)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create checkout session",
			"user_id", userID,
			"plan", req.Plan,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: CheckoutResponse{
		CheckoutURL: checkoutURL,
		SessionID:   sessionID,
	}})
}

// CreatePortal handles POST /v1/billing/portal.
func (h *BillingHandler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	portalURL, err := h.service.CreatePortalSession(r.Context(), userID, h.dashboardURL+"/billing")
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create portal session",
			"user_id", userID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: PortalResponse{PortalURL: portalURL}})
}
