package billing

import (
	"context"
	"log/slog"
	"time"

	"snapsage/internal/types"
)

// PlanStore is the persistence surface the state machine needs. Implemented by
// db.UserPlanRepo.
type PlanStore interface {
	GetOrCreate(ctx context.Context, userID string) (*types.UserPlan, error)
	GetByCustomerID(ctx context.Context, customerID string) (*types.UserPlan, error)
	ApplyEvent(ctx context.Context, p *types.UserPlan, eventTS int64) (bool, error)
	SaveLocal(ctx context.Context, p *types.UserPlan) error
}

// QuotaConfigurer lets the state machine push a plan's quota configuration to
// the metering side after a tier transition. Counters are preserved; only the
// type, limits, and reset date change.
type QuotaConfigurer interface {
	Reconfigure(ctx context.Context, userID string, tier types.PlanTier) error
}

// SubscriptionManager is the slice of the payment provider API used for
// user-initiated cancel and resume. It returns the subscription's current
// period end so the local schedule matches the provider's.
type SubscriptionManager interface {
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (time.Time, error)
}

// PlanStateMachine owns every transition of a user's subscription record.
//
// Webhook-driven transitions go through HandleEvent and are gated by the
// provider event timestamp: an event that is not strictly newer than the last
// applied one is discarded, which makes delivery retries and out-of-order
// delivery harmless. Local transitions (reconciliation, cancel, resume) never
// advance that timestamp.
type PlanStateMachine struct {
	plans    PlanStore
	quotas   QuotaConfigurer
	registry PlanRegistry
	subs     SubscriptionManager
	logger   *slog.Logger
	now      func() time.Time
}

// NewPlanStateMachine creates a PlanStateMachine.
func NewPlanStateMachine(plans PlanStore, quotas QuotaConfigurer, registry PlanRegistry, subs SubscriptionManager, logger *slog.Logger) *PlanStateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanStateMachine{
		plans:    plans,
		quotas:   quotas,
		registry: registry,
		subs:     subs,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleEvent applies one normalized provider event. userID may be empty for
// subscription events; the user is then resolved through the provider customer
// id. Returns applied=false for stale or duplicate events.
func (sm *PlanStateMachine) HandleEvent(ctx context.Context, userID string, ev *types.PlanEvent) (bool, error) {
	var plan *types.UserPlan
	var err error

	if userID != "" {
		plan, err = sm.plans.GetOrCreate(ctx, userID)
	} else {
		plan, err = sm.plans.GetByCustomerID(ctx, ev.CustomerID)
	}
	if err != nil {
		return false, err
	}

	switch ev.Type {
	case types.PlanEventCheckoutCompleted:
		sm.applyCheckout(plan, ev)
	case types.PlanEventSubscriptionUpdated:
		sm.applyUpdate(plan, ev)
	case types.PlanEventSubscriptionDeleted:
		sm.applyDeletion(plan, ev)
	default:
		sm.logger.Warn("unhandled plan event type", slog.String("type", string(ev.Type)))
		return false, nil
	}

	applied, err := sm.plans.ApplyEvent(ctx, plan, ev.Timestamp)
	if err != nil || !applied {
		return false, err
	}

	// Push the (possibly unchanged) limits to the quota side. Counters survive
	// the reconfiguration, so repeating this for status-only events is safe.
	if err := sm.quotas.Reconfigure(ctx, plan.UserID, plan.Plan); err != nil {
		// The plan row already committed; the quota row heals on the next
		// transition. Surface the error for the webhook log but keep applied=true.
		sm.logger.Error("quota reconfigure failed after plan event",
			slog.String("user_id", plan.UserID),
			slog.String("error", err.Error()),
		)
	}

	sm.logger.Info("plan event applied",
		slog.String("user_id", plan.UserID),
		slog.String("event_type", string(ev.Type)),
		slog.String("plan", string(plan.Plan)),
		slog.Int64("event_ts", ev.Timestamp),
	)
	return true, nil
}

// applyCheckout activates the purchased tier immediately and clears any
// pending transition. Checkout always wins over scheduled changes.
func (sm *PlanStateMachine) applyCheckout(plan *types.UserPlan, ev *types.PlanEvent) {
	plan.Plan = ev.Plan
	plan.ClearPending()
	plan.SubscriptionStatus = types.SubStatusActive
	if ev.CustomerID != "" {
		plan.ProviderCustomerID = &ev.CustomerID
	}
	if ev.SubscriptionID != "" {
		plan.ProviderSubscriptionID = &ev.SubscriptionID
	}
}

// applyUpdate handles subscription_updated: cancel-at-period-end toggles,
// scheduled tier changes, and status changes.
//
// A tier change here is always deferred to the period boundary. Upgrades take
// effect immediately only through checkout_completed, which is the event the
// provider emits when the user actually pays.
func (sm *PlanStateMachine) applyUpdate(plan *types.UserPlan, ev *types.PlanEvent) {
	plan.SubscriptionStatus = ev.Status
	if ev.SubscriptionID != "" {
		plan.ProviderSubscriptionID = &ev.SubscriptionID
	}

	switch {
	case ev.CancelAtPeriodEnd && ev.PeriodEnd != nil:
		plan.ScheduleCancellation(*ev.PeriodEnd)
	case ev.CancelAtPeriodEnd:
		// No period end in the payload; cancel now rather than dangle.
		plan.ScheduleCancellation(sm.now().UTC())
	case ev.Plan.Valid() && ev.Plan != plan.Plan && ev.PeriodEnd != nil:
		plan.ScheduleDowngrade(ev.Plan, *ev.PeriodEnd)
	case ev.Plan.Valid() && ev.Plan != plan.Plan:
		plan.Plan = ev.Plan
		plan.ClearPending()
	default:
		// Status-only update. A cleared cancel flag means the user resumed
		// through the provider portal.
		if !ev.CancelAtPeriodEnd && plan.CancelAtPeriodEnd {
			plan.ClearPending()
		}
	}
}

// applyDeletion drops the user to the start tier immediately.
func (sm *PlanStateMachine) applyDeletion(plan *types.UserPlan, ev *types.PlanEvent) {
	plan.Plan = types.PlanStart
	plan.ClearPending()
	plan.SubscriptionStatus = types.SubStatusCanceled
}

// Reconcile loads the user's plan and lazily applies any pending transition
// whose time has come. Malformed pending state (a half-set schedule) is
// cleared rather than rejected, so a single bad write cannot wedge an account.
//
// Returns the post-reconciliation plan. Storage errors fail closed: callers
// must not proceed with a plan they could not reconcile.
func (sm *PlanStateMachine) Reconcile(ctx context.Context, userID string) (*types.UserPlan, error) {
	plan, err := sm.plans.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := sm.now().UTC()

	if plan.HasDanglingPending() {
		sm.logger.Warn("clearing malformed pending plan state", slog.String("user_id", userID))
		plan.ClearPending()
		if err := sm.plans.SaveLocal(ctx, plan); err != nil {
			return nil, err
		}
		return plan, nil
	}

	if plan.NextPlan == nil || !plan.PendingExpired(now) {
		return plan, nil
	}

	next := *plan.NextPlan
	wasCancellation := plan.CancelAtPeriodEnd
	plan.Plan = next
	plan.ClearPending()
	if wasCancellation {
		plan.SubscriptionStatus = types.SubStatusCanceled
	}

	if err := sm.plans.SaveLocal(ctx, plan); err != nil {
		return nil, err
	}
	if err := sm.quotas.Reconfigure(ctx, userID, next); err != nil {
		return nil, err
	}

	sm.logger.Info("pending plan transition applied",
		slog.String("user_id", userID),
		slog.String("plan", string(next)),
		slog.Bool("cancellation", wasCancellation),
	)
	return plan, nil
}

// Cancel schedules cancellation at the end of the current billing period, both
// at the provider and locally. The paid tier stays usable until then.
func (sm *PlanStateMachine) Cancel(ctx context.Context, userID string) (*types.UserPlan, error) {
	plan, err := sm.Reconcile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if plan.ProviderSubscriptionID == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no active subscription to cancel", nil)
	}

	periodEnd, err := sm.subs.SetCancelAtPeriodEnd(ctx, *plan.ProviderSubscriptionID, true)
	if err != nil {
		return nil, err
	}

	plan.ScheduleCancellation(periodEnd)
	if err := sm.plans.SaveLocal(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Resume clears a scheduled cancellation or downgrade before it takes effect.
func (sm *PlanStateMachine) Resume(ctx context.Context, userID string) (*types.UserPlan, error) {
	plan, err := sm.Reconcile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if plan.NextPlan == nil {
		return nil, types.NewAppError(types.ErrCodeConflictNoPendingChange, "no pending plan change to resume from", nil)
	}

	if plan.CancelAtPeriodEnd && plan.ProviderSubscriptionID != nil {
		if _, err := sm.subs.SetCancelAtPeriodEnd(ctx, *plan.ProviderSubscriptionID, false); err != nil {
			return nil, err
		}
	}

	plan.ClearPending()
	if err := sm.plans.SaveLocal(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}
