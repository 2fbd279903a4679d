package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"snapsage/internal/core"
	"snapsage/internal/external"
	"snapsage/internal/metrics"
	"snapsage/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload
// (64 KB). Stripe payloads are small; this limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// Stripe event types this service consumes. Everything else is acknowledged
// and ignored.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// WebhookVerifier validates that a webhook payload genuinely came from the
// payment provider. Implemented by external.StripeVerifier.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) error
}

// PlanEventSink applies a normalized provider event to the subscription state
// machine. Implemented by billing.PlanStateMachine. userID is empty for
// subscription events, which are resolved by customer id instead.
type PlanEventSink interface {
	HandleEvent(ctx context.Context, userID string, ev *types.PlanEvent) (applied bool, err error)
}

// StripeWebhookHandler handles asynchronous events from Stripe. It is not
// behind bearer auth; security comes from verifying the Stripe-Signature
// header against the endpoint's signing secret.
type StripeWebhookHandler struct {
	verifier WebhookVerifier
	sink     PlanEventSink
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler with the provided
// dependencies.
func NewStripeWebhookHandler(verifier WebhookVerifier, sink PlanEventSink, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		sink:     sink,
		logger:   logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint on the public webhook
// router.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/stripe", h.Handle)
}

// Handle processes an incoming Stripe webhook delivery.
//
// Stripe retries deliveries that do not receive a 2xx, so only signature
// failures and unreadable bodies are rejected. Internal processing errors are
// logged and acknowledged with 200: retrying would replay the same event
// against the same state, and the optimistic timestamp gate already makes
// duplicate deliveries no-ops.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		var appErr *types.AppError
		if !errors.As(err, &appErr) {
			err = types.NewAppError(types.ErrCodeAuthTokenInvalid, "webhook signature verification failed", err)
		}
		core.Error(w, r, err)
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	outcome := h.processEvent(r.Context(), &event)
	metrics.WebhookEventsTotal.WithLabelValues(event.Type, outcome).Inc()

	w.WriteHeader(http.StatusOK)
}

// processEvent normalizes and applies one event, returning the metric outcome
// label. Errors are logged here; the caller acknowledges regardless.
func (h *StripeWebhookHandler) processEvent(ctx context.Context, event *stripeWebhookEvent) string {
	planEvent, userID, err := h.normalizeEvent(event)
	if err != nil {
		h.logger.ErrorContext(ctx, "webhook event rejected during normalization",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		return "invalid"
	}
	if planEvent == nil {
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return "ignored"
	}

	applied, err := h.sink.HandleEvent(ctx, userID, planEvent)
	if err != nil {
		h.logger.ErrorContext(ctx, "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		return "error"
	}
	if !applied {
		return "stale"
	}
	return "applied"
}

// normalizeEvent converts a raw Stripe event into the domain PlanEvent. A nil
// event with nil error means the type is not one this service consumes.
func (h *StripeWebhookHandler) normalizeEvent(event *stripeWebhookEvent) (*types.PlanEvent, string, error) {
	switch event.Type {
	case eventCheckoutCompleted:
		var session stripeCheckoutSessionObj
		if err := event.unmarshalObject(&session); err != nil {
			return nil, "", err
		}

		userID := session.ClientReferenceID
		if userID == "" {
			userID = session.Metadata["user_id"]
		}
		if userID == "" {
			return nil, "", fmt.Errorf("checkout.session.completed %s carries no user reference", event.ID)
		}

		plan := types.PlanTier(session.Metadata["plan"])
		if !plan.Valid() || plan == types.PlanStart {
			return nil, "", fmt.Errorf("checkout.session.completed %s carries invalid plan %q", event.ID, session.Metadata["plan"])
		}

		return &types.PlanEvent{
			Type:           types.PlanEventCheckoutCompleted,
			Timestamp:      event.Created,
			CustomerID:     session.Customer,
			SubscriptionID: session.Subscription,
			Plan:           plan,
			Status:         types.SubStatusActive,
		}, userID, nil

	case eventSubscriptionUpdated:
		var sub stripeSubscriptionObj
		if err := event.unmarshalObject(&sub); err != nil {
			return nil, "", err
		}
		if sub.Customer == "" {
			return nil, "", fmt.Errorf("subscription event %s carries no customer id", event.ID)
		}

		plan := types.PlanStart
		if len(sub.Items.Data) > 0 {
			priceID := sub.Items.Data[0].Price.ID
			mapped, known := external.MapPriceIDToPlan(priceID)
			if !known {
				h.logger.Warn("subscription event references unknown price",
					"event_id", event.ID,
					"price_id", priceID,
				)
			}
			plan = mapped
		}

		ev := &types.PlanEvent{
			Type:              types.PlanEventSubscriptionUpdated,
			Timestamp:         event.Created,
			CustomerID:        sub.Customer,
			SubscriptionID:    sub.ID,
			Plan:              plan,
			Status:            external.MapSubscriptionStatus(sub.Status),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}
		if sub.CurrentPeriodEnd > 0 {
			periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			ev.PeriodEnd = &periodEnd
		}
		return ev, "", nil

	case eventSubscriptionDeleted:
		var sub stripeSubscriptionObj
		if err := event.unmarshalObject(&sub); err != nil {
			return nil, "", err
		}
		if sub.Customer == "" {
			return nil, "", fmt.Errorf("subscription event %s carries no customer id", event.ID)
		}

		return &types.PlanEvent{
			Type:           types.PlanEventSubscriptionDeleted,
			Timestamp:      event.Created,
			CustomerID:     sub.Customer,
			SubscriptionID: sub.ID,
			Plan:           types.PlanStart,
			Status:         types.SubStatusCanceled,
		}, "", nil

	default:
		return nil, "", nil
	}
}

// ---------------------------------------------------------------------------
// Stripe event parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal representation of a Stripe webhook event,
// tailored to the fields needed for routing. The full stripe.Event type is
// deliberately not imported; the handler stays decoupled from the SDK's
// object model and tests stay plain JSON.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// stripeEventData wraps the event data object.
type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// unmarshalObject decodes the event's data.object into dst.
func (e *stripeWebhookEvent) unmarshalObject(dst any) error {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return fmt.Errorf("event %s: malformed data envelope: %w", e.ID, err)
	}
	if err := json.Unmarshal(data.Object, dst); err != nil {
		return fmt.Errorf("event %s: malformed data object: %w", e.ID, err)
	}
	return nil
}

// stripeCheckoutSessionObj holds the fields consumed from a
// checkout.session.completed data object.
type stripeCheckoutSessionObj struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

// stripeSubscriptionObj holds the fields consumed from a
// customer.subscription.updated/deleted data object.
type stripeSubscriptionObj struct {
	ID                string         `json:"id"`
	Customer          string         `json:"customer"`
	Status            string         `json:"status"`
	CancelAtPeriodEnd bool           `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64          `json:"current_period_end"`
	Items             stripeSubItems `json:"items"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	Price stripeSubPrice `json:"price"`
}

type stripeSubPrice struct {
	ID string `json:"id"`
}
