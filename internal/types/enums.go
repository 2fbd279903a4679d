package types

// PlanTier identifies a user's subscription tier.
type PlanTier string

const (
	// PlanStart is the non-paying default tier assigned on first contact.
	PlanStart    PlanTier = "start"
	PlanNormal   PlanTier = "normal"
	PlanHigh     PlanTier = "high"
	PlanUltra    PlanTier = "ultra"
	PlanPremium  PlanTier = "premium"
	PlanInternal PlanTier = "internal"
)

// Valid reports whether the tier is a known plan identifier.
func (p PlanTier) Valid() bool {
	switch p {
	case PlanStart, PlanNormal, PlanHigh, PlanUltra, PlanPremium, PlanInternal:
		return true
	}
	return false
}

// QuotaType determines which token counter/limit pair is authoritative for a
// user and how (or whether) the counter resets.
type QuotaType string

const (
	QuotaWeekly   QuotaType = "weekly"
	QuotaMonthly  QuotaType = "monthly"
	QuotaLifetime QuotaType = "lifetime"
)

// SubscriptionStatus mirrors the payment provider's subscription state.
// Stored as free text; these constants cover the values Stripe emits.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// PlanEventType identifies the kind of payment-provider event driving a plan
// transition.
type PlanEventType string

const (
	// PlanEventCheckoutCompleted confirms a new or changed subscription after
	// the user finishes the provider's checkout flow.
	PlanEventCheckoutCompleted PlanEventType = "checkout_completed"
	// PlanEventSubscriptionUpdated carries scheduled tier changes, status
	// changes, and cancel-at-period-end toggles.
	PlanEventSubscriptionUpdated PlanEventType = "subscription_updated"
	// PlanEventSubscriptionDeleted is an immediate termination.
	PlanEventSubscriptionDeleted PlanEventType = "subscription_deleted"
)

// ImageDetail is the client's hint about how the model should process an
// attached image. Low detail costs a flat token amount.
type ImageDetail string

const (
	ImageDetailLow  ImageDetail = "low"
	ImageDetailHigh ImageDetail = "high"
)
