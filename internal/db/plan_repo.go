package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"snapsage/internal/types"
)

// UserPlanRepo manages the user_plans table: one row per user holding the
// authoritative subscription record.
//
// Key invariant: ApplyEvent uses optimistic locking via provider_event_ts to
// handle out-of-order and duplicate payment-provider webhooks. An event whose
// timestamp does not exceed the stored value never mutates the row.
type UserPlanRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewUserPlanRepo creates a new UserPlanRepo backed by the given database
// connection (pool or transaction).
func NewUserPlanRepo(db DBTX, logger *slog.Logger) *UserPlanRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserPlanRepo{db: db, logger: logger}
}

const userPlanColumns = `user_id, plan, next_plan, plan_expires_at, cancel_at_period_end,
	provider_customer_id, provider_subscription_id, subscription_status,
	provider_event_ts, created_at, updated_at`

// GetOrCreate returns the user's plan row, creating a default start-tier row
// if none exists (lazy creation on first authenticated contact).
func (r *UserPlanRepo) GetOrCreate(ctx context.Context, userID string) (*types.UserPlan, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_plans (user_id, plan, cancel_at_period_end, subscription_status, provider_event_ts, created_at, updated_at)
		 VALUES ($1, $2, FALSE, $3, 0, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, types.PlanStart, types.SubStatusActive,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create default user plan", err)
	}

	return r.Get(ctx, userID)
}

// Get returns the user's plan row.
func (r *UserPlanRepo) Get(ctx context.Context, userID string) (*types.UserPlan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userPlanColumns+`
		 FROM user_plans
		 WHERE user_id = $1`,
		userID,
	)

	var p types.UserPlan
	err := row.Scan(
		&p.UserID, &p.Plan, &p.NextPlan, &p.PlanExpiresAt, &p.CancelAtPeriodEnd,
		&p.ProviderCustomerID, &p.ProviderSubscriptionID, &p.SubscriptionStatus,
		&p.ProviderEventTS, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load user plan", err)
	}
	return &p, nil
}

// GetByCustomerID returns the plan row owned by the given payment-provider
// customer. Subscription webhooks identify users this way rather than by our
// own user id.
func (r *UserPlanRepo) GetByCustomerID(ctx context.Context, customerID string) (*types.UserPlan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userPlanColumns+`
		 FROM user_plans
		 WHERE provider_customer_id = $1`,
		customerID,
	)

	var p types.UserPlan
	err := row.Scan(
		&p.UserID, &p.Plan, &p.NextPlan, &p.PlanExpiresAt, &p.CancelAtPeriodEnd,
		&p.ProviderCustomerID, &p.ProviderSubscriptionID, &p.SubscriptionStatus,
		&p.ProviderEventTS, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUserPlan, "no plan for provider customer", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load user plan by customer", err)
	}
	return &p, nil
}

// ApplyEvent persists a webhook-driven transition. The UPDATE only applies
// when eventTS is strictly newer than the stored provider_event_ts; stale or
// duplicate events leave the row untouched and return applied=false.
//
// Provider identifiers are only overwritten when the event carries them, so a
// subscription.deleted event (which may omit the customer id) does not erase
// history.
func (r *UserPlanRepo) ApplyEvent(ctx context.Context, p *types.UserPlan, eventTS int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_plans
		 SET plan = $1,
		     next_plan = $2,
		     plan_expires_at = $3,
		     cancel_at_period_end = $4,
		     provider_customer_id = COALESCE($5, provider_customer_id),
		     provider_subscription_id = COALESCE($6, provider_subscription_id),
		     subscription_status = $7,
		     provider_event_ts = $8,
		     updated_at = NOW()
		 WHERE user_id = $9
		   AND provider_event_ts < $8`,
		p.Plan, p.NextPlan, p.PlanExpiresAt, p.CancelAtPeriodEnd,
		p.ProviderCustomerID, p.ProviderSubscriptionID, p.SubscriptionStatus,
		eventTS, p.UserID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply plan event", err)
	}

	if tag.RowsAffected() == 0 {
		// Event is older than or equal to what we already have -- idempotent no-op.
		r.logger.Info("stale plan event ignored (optimistic lock)",
			slog.String("user_id", p.UserID),
			slog.Int64("event_ts", eventTS),
		)
		return false, nil
	}

	return true, nil
}

// GetProviderCustomerID returns the payment-provider customer id for the
// user, or "" when none has been assigned. Creates the default plan row if
// the user has never been seen.
func (r *UserPlanRepo) GetProviderCustomerID(ctx context.Context, userID string) (string, error) {
	p, err := r.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}
	if p.ProviderCustomerID == nil {
		return "", nil
	}
	return *p.ProviderCustomerID, nil
}

// SetProviderCustomerID records the payment-provider customer id for a user.
// Called after customer creation during checkout, before any webhook arrives.
func (r *UserPlanRepo) SetProviderCustomerID(ctx context.Context, userID string, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_plans
		 SET provider_customer_id = $1,
		     updated_at = NOW()
		 WHERE user_id = $2`,
		customerID, userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set provider customer id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUserPlan, "user plan not found", nil)
	}
	return nil
}

// SaveLocal persists a local (non-webhook) transition: lazy reconciliation of
// an expired pending change, or a user-initiated cancel/resume. It does not
// touch provider_event_ts, so the webhook ordering gate is unaffected.
func (r *UserPlanRepo) SaveLocal(ctx context.Context, p *types.UserPlan) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_plans
		 SET plan = $1,
		     next_plan = $2,
		     plan_expires_at = $3,
		     cancel_at_period_end = $4,
		     subscription_status = $5,
		     updated_at = NOW()
		 WHERE user_id = $6`,
		p.Plan, p.NextPlan, p.PlanExpiresAt, p.CancelAtPeriodEnd,
		p.SubscriptionStatus, p.UserID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save user plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUserPlan, "user plan not found", nil)
	}
	return nil
}
