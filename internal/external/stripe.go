package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"snapsage/internal/config"
	"snapsage/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// UserBillingLookup is the minimal data access StripeClient needs to tie a
// user id to their Stripe customer id. Implemented by db.UserPlanRepo.
type UserBillingLookup interface {
	// GetProviderCustomerID returns the stored Stripe customer id for the
	// user, or "" when none has been assigned yet. The user's plan row is
	// created if missing.
	GetProviderCustomerID(ctx context.Context, userID string) (string, error)

	// SetProviderCustomerID records the Stripe customer id for the user.
	SetProviderCustomerID(ctx context.Context, userID string, customerID string) error
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API directly through BaseClient rather
// than via the SDK's transport. This routes all requests through the shared
// resilience infrastructure (circuit breaker, retries, error mapping) and makes
// testing with httptest straightforward. It implements billing.SubscriptionManager.
type StripeClient struct {
	base       *BaseClient
	secretKey  types.SecretString
	baseURL    string
	userLookup UserBillingLookup
	logger     *slog.Logger
}

// NewStripeClient creates a StripeClient from the billing config.
func NewStripeClient(
	cfg config.BillingConfig,
	userLookup UserBillingLookup,
	logger *slog.Logger,
	opts ...BaseClientOption,
) *StripeClient {
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		&http.Client{Timeout: 20 * time.Second},
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"snapsage/1.0",
		types.ErrCodeUpstreamStripe,
		opts...,
	)

	return &StripeClient{
		base:       base,
		secretKey:  cfg.StripeSecretKey,
		baseURL:    stripeAPIBase,
		userLookup: userLookup,
		logger:     logger,
	}
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient and base URL. Used in tests to point at an httptest server.
func NewStripeClientWithBase(
	base *BaseClient,
	userLookup UserBillingLookup,
	cfg StripeClientConfig,
) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:       base,
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userLookup: userLookup,
		logger:     logger,
	}
}

// EnsureCustomer returns the Stripe customer id for the user, creating the
// customer if needed. Search-first logic prevents duplicate customers when the
// local record was lost:
//  1. Return the locally stored customer id if present.
//  2. Query the Stripe Search API for a metadata['user_id'] match.
//  3. Create a new customer carrying user_id metadata.
//  4. Persist the customer id locally.
func (s *StripeClient) EnsureCustomer(ctx context.Context, userID string, email string) (string, error) {
	if customerID, err := s.userLookup.GetProviderCustomerID(ctx, userID); err != nil {
		return "", err
	} else if customerID != "" {
		return customerID, nil
	}

	searchQuery := fmt.Sprintf("metadata['user_id']:'%s'", userID)
	params := url.Values{}
	params.Set("query", searchQuery)

	searchResp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.search", err)
	}
	defer searchResp.Body.Close()

	if searchResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(searchResp, "EnsureCustomer.search")
	}

	var searchResult stripeSearchResult
	if err := json.NewDecoder(searchResp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}

	if len(searchResult.Data) > 0 {
		customerID := searchResult.Data[0].ID
		if dbErr := s.userLookup.SetProviderCustomerID(ctx, userID, customerID); dbErr != nil {
			s.logger.WarnContext(ctx, "failed to store provider customer id",
				"user_id", userID,
				"customer_id", customerID,
				"error", dbErr,
			)
		}
		return customerID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", email)
	createParams.Set("metadata[user_id]", userID)

	createResp, err := s.doPost(ctx, "/v1/customers", createParams)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(createResp, "EnsureCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response",
			err,
		)
	}

	if dbErr := s.userLookup.SetProviderCustomerID(ctx, userID, customer.ID); dbErr != nil {
		s.logger.WarnContext(ctx, "failed to store provider customer id after creation",
			"user_id", userID,
			"customer_id", customer.ID,
			"error", dbErr,
		)
	}

	return customer.ID, nil
}

// CreateCheckoutSession generates a Stripe Checkout Session URL for upgrading
// to the given paid tier. client_reference_id carries the user id so the
// checkout.session.completed webhook can be correlated back to the user.
func (s *StripeClient) CreateCheckoutSession(
	ctx context.Context,
	userID string,
	email string,
	plan types.PlanTier,
	urls types.RedirectURLs,
) (checkoutURL string, sessionID string, err error) {
	customerID, err := s.EnsureCustomer(ctx, userID, email)
	if err != nil {
		return "", "", err
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("mode", "subscription")
	params.Set("client_reference_id", userID)
	params.Set("success_url", urls.Success)
	params.Set("cancel_url", urls.Cancel)
	params.Set("metadata[user_id]", userID)
	params.Set("metadata[plan]", string(plan))
	params.Set("line_items[0][price]", stripePriceID(plan))
	params.Set("line_items[0][quantity]", "1")

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", "", s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	return session.URL, session.ID, nil
}

// CreatePortalSession generates a Stripe Billing Portal URL where the user
// can manage payment methods and invoices.
func (s *StripeClient) CreatePortalSession(
	ctx context.Context,
	userID string,
	returnURL string,
) (portalURL string, err error) {
	customerID, err := s.userLookup.GetProviderCustomerID(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		return "", types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			"user has no billing account; complete a checkout first",
			nil,
		)
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	resp, err := s.doPost(ctx, "/v1/billing_portal/sessions", params)
	if err != nil {
		return "", s.wrapStripeError("CreatePortalSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreatePortalSession")
	}

	var session stripePortalSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe portal session response",
			err,
		)
	}

	return session.URL, nil
}

// SetCancelAtPeriodEnd toggles cancellation at period end on the subscription
// and returns the current period end. The plan state machine calls this for
// both Cancel (cancel=true) and Resume (cancel=false).
func (s *StripeClient) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (time.Time, error) {
	params := url.Values{}
	params.Set("cancel_at_period_end", strconv.FormatBool(cancel))

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+subscriptionID, params)
	if err != nil {
		return time.Time{}, s.wrapStripeError("SetCancelAtPeriodEnd", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, s.handleErrorResponse(resp, "SetCancelAtPeriodEnd")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return time.Time{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}

	return time.Unix(sub.CurrentPeriodEnd, 0).UTC(), nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error handling
// ---------------------------------------------------------------------------

// stripeErrorResponse is the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	var stripeErr stripeErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with unreadable body", operation, resp.StatusCode),
			err,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimit,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with operation context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// BaseClient errors (breaker open, retries exhausted) already carry the
	// right code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe response types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSearchResult struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscription struct {
	ID                string                  `json:"id"`
	Status            string                  `json:"status"`
	CancelAtPeriodEnd bool                    `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64                   `json:"current_period_end"`
	Items             stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID string `json:"id"`
}

// ---------------------------------------------------------------------------
// Price ID <-> plan tier mapping
// ---------------------------------------------------------------------------

// These price IDs are placeholder references. In production they would be
// loaded from configuration. The mapping is used both for creating checkout
// sessions and for interpreting subscription webhooks.

// PriceToPlan maps Stripe Price IDs to plan tiers.
var PriceToPlan = map[string]types.PlanTier{
	"price_normal":  types.PlanNormal,
	"price_high":    types.PlanHigh,
	"price_ultra":   types.PlanUltra,
	"price_premium": types.PlanPremium,
}

// PlanToPrice maps paid plan tiers to Stripe Price IDs. The start and internal
// tiers are never sold through checkout.
var PlanToPrice = map[types.PlanTier]string{
	types.PlanNormal:  "price_normal",
	types.PlanHigh:    "price_high",
	types.PlanUltra:   "price_ultra",
	types.PlanPremium: "price_premium",
}

// stripePriceID returns the Stripe Price ID for a paid plan tier.
func stripePriceID(plan types.PlanTier) string {
	if id, ok := PlanToPrice[plan]; ok {
		return id
	}
	return "price_" + string(plan)
}

// MapPriceIDToPlan returns the plan tier a Stripe price belongs to. Unknown
// prices map to the start tier; the webhook handler treats that as a
// misconfiguration and logs it.
func MapPriceIDToPlan(priceID string) (types.PlanTier, bool) {
	plan, ok := PriceToPlan[priceID]
	if !ok {
		return types.PlanStart, false
	}
	return plan, true
}

// MapSubscriptionStatus converts a Stripe subscription status string to the
// domain enum. Unknown statuses pass through verbatim.
func MapSubscriptionStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active":
		return types.SubStatusActive
	case "past_due":
		return types.SubStatusPastDue
	case "canceled":
		return types.SubStatusCanceled
	case "incomplete":
		return types.SubStatusIncomplete
	case "incomplete_expired":
		return types.SubStatusIncompleteExpired
	case "trialing":
		return types.SubStatusTrialing
	case "unpaid":
		return types.SubStatusUnpaid
	default:
		return types.SubscriptionStatus(status)
	}
}
