package types

import "time"

// ---------------------------------------------------------------------------
// Subscription state
// ---------------------------------------------------------------------------

// UserPlan is the authoritative subscription record for one user. There is
// exactly one row per user; it is created lazily with plan=start on first
// authenticated contact.
//
// The pending-transition fields (NextPlan, PlanExpiresAt, CancelAtPeriodEnd)
// form a tagged union with three valid shapes:
//
//  1. No pending change: NextPlan=nil, PlanExpiresAt=nil, CancelAtPeriodEnd=false.
//  2. Scheduled downgrade: NextPlan=&Y (Y != start), PlanExpiresAt=&T, CancelAtPeriodEnd=false.
//  3. Scheduled cancellation: NextPlan=&start, PlanExpiresAt=&T, CancelAtPeriodEnd=true.
//
// The schema keeps them as separate nullable columns for storage simplicity;
// the union invariant is enforced by the Schedule*/ClearPending mutators, not
// by the database.
type UserPlan struct {
	UserID                 string             `json:"user_id"`
	Plan                   PlanTier           `json:"plan"`
	NextPlan               *PlanTier          `json:"next_plan,omitempty"`
	PlanExpiresAt          *time.Time         `json:"plan_expires_at,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	ProviderCustomerID     *string            `json:"-"`
	ProviderSubscriptionID *string            `json:"-"`
	SubscriptionStatus     SubscriptionStatus `json:"subscription_status"`
	// ProviderEventTS is the Unix timestamp of the last provider webhook event
	// applied to this row. Events with a timestamp <= this value are stale.
	ProviderEventTS int64     `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ClearPending removes any scheduled transition, restoring shape (1).
func (p *UserPlan) ClearPending() {
	p.NextPlan = nil
	p.PlanExpiresAt = nil
	p.CancelAtPeriodEnd = false
}

// ScheduleDowngrade records a future tier change, shape (2). The current plan
// stays in effect until expiresAt.
func (p *UserPlan) ScheduleDowngrade(next PlanTier, expiresAt time.Time) {
	p.NextPlan = &next
	p.PlanExpiresAt = &expiresAt
	p.CancelAtPeriodEnd = false
}

// ScheduleCancellation records cancellation at period end, shape (3). The
// target plan after expiry is always start.
func (p *UserPlan) ScheduleCancellation(expiresAt time.Time) {
	next := PlanStart
	p.NextPlan = &next
	p.PlanExpiresAt = &expiresAt
	p.CancelAtPeriodEnd = true
}

// HasDanglingPending reports a malformed pending state: exactly one of
// NextPlan/PlanExpiresAt set, or the cancel flag raised without a target.
// Reconciliation self-corrects this by clearing the pending fields.
func (p *UserPlan) HasDanglingPending() bool {
	if (p.NextPlan == nil) != (p.PlanExpiresAt == nil) {
		return true
	}
	if p.CancelAtPeriodEnd && p.NextPlan == nil {
		return true
	}
	return false
}

// PendingExpired reports whether a well-formed pending transition is due.
func (p *UserPlan) PendingExpired(now time.Time) bool {
	return p.PlanExpiresAt != nil && !now.Before(*p.PlanExpiresAt)
}

// PlanEvent is a normalized payment-provider webhook event after signature
// verification and deserialization. Timestamp is the provider's event-creation
// time (Unix seconds) and drives the out-of-order rejection gate.
type PlanEvent struct {
	Type              PlanEventType
	Timestamp         int64
	CustomerID        string
	SubscriptionID    string
	Plan              PlanTier
	Status            SubscriptionStatus
	CancelAtPeriodEnd bool
	PeriodEnd         *time.Time
}

// PlanSummary is the read-model returned to UIs: the effective plan plus a
// snapshot of quota consumption.
type PlanSummary struct {
	Plan              PlanTier   `json:"plan"`
	NextPlan          *PlanTier  `json:"next_plan,omitempty"`
	PlanExpiresAt     *time.Time `json:"plan_expires_at,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	QuotaType         QuotaType  `json:"quota_type"`
	QuotaUsed         int64      `json:"quota_used"`
	// QuotaLimit is nil for unlimited plans.
	QuotaLimit     *int64     `json:"quota_limit,omitempty"`
	QuotaResetDate *time.Time `json:"quota_reset_date,omitempty"`
}

// ---------------------------------------------------------------------------
// Usage quota
// ---------------------------------------------------------------------------

// UsageQuota holds one user's token counters and limits. Exactly one row per
// user, created lazily alongside UserPlan. Which counter/limit pair is
// authoritative depends on QuotaType; limits are nil for unlimited.
//
// Lifetime quotas use MonthlyTokensUsed as their counter (it is never reset
// for that type) and compare it against LifetimeTokenLimit.
type UsageQuota struct {
	UserID             string    `json:"user_id"`
	QuotaType          QuotaType `json:"quota_type"`
	WeeklyTokensUsed   int64     `json:"weekly_tokens_used"`
	MonthlyTokensUsed  int64     `json:"monthly_tokens_used"`
	WeeklyTokenLimit   *int64    `json:"weekly_token_limit,omitempty"`
	MonthlyTokenLimit  *int64    `json:"monthly_token_limit,omitempty"`
	LifetimeTokenLimit *int64    `json:"lifetime_token_limit,omitempty"`
	QuotaResetDate     time.Time `json:"quota_reset_date"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Used returns the value of the active counter for the quota's type.
func (q *UsageQuota) Used() int64 {
	if q.QuotaType == QuotaWeekly {
		return q.WeeklyTokensUsed
	}
	return q.MonthlyTokensUsed
}

// Limit returns the authoritative token ceiling, or nil for unlimited.
func (q *UsageQuota) Limit() *int64 {
	switch q.QuotaType {
	case QuotaWeekly:
		return q.WeeklyTokenLimit
	case QuotaMonthly:
		return q.MonthlyTokenLimit
	default:
		return q.LifetimeTokenLimit
	}
}

// PlanLimits is the registry-defined configuration for a plan tier.
type PlanLimits struct {
	QuotaType QuotaType
	// QuotaTokens is the token ceiling for the tier's quota period.
	// nil means unlimited (internal tier).
	QuotaTokens *int64
	// Models the tier is entitled to use. DefaultModel is substituted when a
	// request names a model outside this list.
	Models       []string
	DefaultModel string
	// PriceCents is the advisory monthly price, for display only.
	PriceCents int64
}

// AllowsModel reports whether the tier is entitled to the given model.
func (l PlanLimits) AllowsModel(model string) bool {
	for _, m := range l.Models {
		if m == model {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Metering
// ---------------------------------------------------------------------------

// ImageInput is one screenshot attached to an assist request. Data is the
// base64-encoded payload as sent by the client; its length is what the
// estimator prices.
type ImageInput struct {
	Data   string      `json:"data" validate:"required"`
	Detail ImageDetail `json:"detail,omitempty"`
}

// AssistRequest is the shape of a prospective model call, as consumed by the
// token estimator and the usage gate.
type AssistRequest struct {
	Model           string       `json:"model,omitempty"`
	SystemPrompt    string       `json:"system_prompt,omitempty"`
	Context         string       `json:"context,omitempty"`
	Text            string       `json:"text"`
	Images          []ImageInput `json:"images,omitempty"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty"`
}

// ModelResult is the outcome of a completed model call, with the provider's
// actual token accounting (never estimates).
type ModelResult struct {
	Answer       string `json:"answer"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// TotalTokens is the metered cost of the call.
func (r *ModelResult) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}

// UsageLogEntry is one append-only audit record per metered call. Rows are
// never mutated or deleted by this service.
type UsageLogEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Plan         PlanTier  `json:"plan"`
	Endpoint     string    `json:"endpoint"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Success      bool      `json:"success"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	// EstimatedCostUSD is advisory, computed from the static price table.
	// It is never used for quota or billing enforcement.
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

// RedirectURLs guides the user back from the provider's checkout flow.
type RedirectURLs struct {
	Success string
	Cancel  string
}
