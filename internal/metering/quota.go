package metering

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"snapsage/internal/billing"
	"snapsage/internal/types"
)

// QuotaStore is the persistence surface the quota service needs. Implemented
// by db.UsageQuotaRepo.
type QuotaStore interface {
	GetOrCreate(ctx context.Context, userID string, defaults *types.UsageQuota) (*types.UsageQuota, error)
	Reset(ctx context.Context, userID string, nextReset time.Time) error
	Increment(ctx context.Context, userID string, quotaType types.QuotaType, tokens int64) (*types.UsageQuota, error)
	Reconfigure(ctx context.Context, userID string, next *types.UsageQuota) error
}

// QuotaService owns the read, reset, and commit lifecycle of per-user token
// counters. There is no background sweep: every read runs the reset rule, so
// counter staleness is bounded by request frequency.
type QuotaService struct {
	store    QuotaStore
	registry billing.PlanRegistry
	logger   *slog.Logger
	now      func() time.Time

	// create collapses concurrent lazy-creation attempts for the same user
	// into one round trip. The ON CONFLICT insert is already safe; this just
	// avoids hammering the database when a client bursts its first requests.
	create singleflight.Group
}

// NewQuotaService creates a QuotaService.
func NewQuotaService(store QuotaStore, registry billing.PlanRegistry, logger *slog.Logger) *QuotaService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaService{
		store:    store,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Snapshot returns the user's quota row, creating it from the tier's limits if
// absent and applying any due periodic reset before returning.
func (s *QuotaService) Snapshot(ctx context.Context, userID string, tier types.PlanTier) (*types.UsageQuota, error) {
	v, err, _ := s.create.Do(userID, func() (any, error) {
		defaults := s.defaultsFor(tier)
		return s.store.GetOrCreate(ctx, userID, defaults)
	})
	if err != nil {
		return nil, err
	}
	quota := v.(*types.UsageQuota)

	return s.resetIfDue(ctx, quota)
}

// resetIfDue zeroes periodic counters whose period has ended and advances the
// reset date. Lifetime quotas never reset regardless of the stored date.
func (s *QuotaService) resetIfDue(ctx context.Context, quota *types.UsageQuota) (*types.UsageQuota, error) {
	if quota.QuotaType == types.QuotaLifetime {
		return quota, nil
	}

	now := s.now().UTC()
	if now.Before(quota.QuotaResetDate) {
		return quota, nil
	}

	next := nextResetDate(quota.QuotaType, quota.QuotaResetDate, now)
	if err := s.store.Reset(ctx, quota.UserID, next); err != nil {
		return nil, err
	}

	s.logger.Info("quota period reset",
		slog.String("user_id", quota.UserID),
		slog.String("quota_type", string(quota.QuotaType)),
		slog.Time("next_reset", next),
	)

	quota.WeeklyTokensUsed = 0
	quota.MonthlyTokensUsed = 0
	quota.QuotaResetDate = next
	return quota, nil
}

// Check verifies that the estimated spend fits the user's remaining quota.
// A nil limit means unlimited and always passes.
func (s *QuotaService) Check(ctx context.Context, userID string, tier types.PlanTier, estimated int64) error {
	quota, err := s.Snapshot(ctx, userID, tier)
	if err != nil {
		return err
	}
	return checkAgainst(quota, tier, estimated)
}

// checkAgainst is the shared pre/post admission comparison.
func checkAgainst(quota *types.UsageQuota, tier types.PlanTier, tokens int64) error {
	limit := quota.Limit()
	if limit == nil {
		return nil
	}
	if quota.Used()+tokens <= *limit {
		return nil
	}

	details := map[string]any{
		"plan":       tier,
		"quota_type": quota.QuotaType,
		"used":       quota.Used(),
		"limit":      *limit,
		"requested":  tokens,
	}
	if quota.QuotaType != types.QuotaLifetime {
		details["resets_at"] = quota.QuotaResetDate
	}
	return types.NewAppErrorWithDetails(types.ErrCodeLimitTokens,
		fmt.Sprintf("token quota exceeded for plan %s", tier), nil, details)
}

// Commit adds actual measured tokens to the user's active counter and returns
// the updated quota. Only real post-call counts go through here, never
// estimates.
func (s *QuotaService) Commit(ctx context.Context, quota *types.UsageQuota, tokens int64) (*types.UsageQuota, error) {
	return s.store.Increment(ctx, quota.UserID, quota.QuotaType, tokens)
}

// Reconfigure switches the user's quota to the given tier's configuration.
// Accumulated usage is preserved: an upgrade mid-period inherits the existing
// counter. Implements billing.QuotaConfigurer.
func (s *QuotaService) Reconfigure(ctx context.Context, userID string, tier types.PlanTier) error {
	// Make sure the row exists before reconfiguring it.
	if _, err := s.Snapshot(ctx, userID, tier); err != nil {
		return err
	}
	return s.store.Reconfigure(ctx, userID, s.defaultsFor(tier))
}

// defaultsFor builds a quota row shape (type, limits, first reset date) for a
// tier, with zeroed counters.
func (s *QuotaService) defaultsFor(tier types.PlanTier) *types.UsageQuota {
	limits := s.registry.GetLimits(tier)
	now := s.now().UTC()

	q := &types.UsageQuota{
		QuotaType:      limits.QuotaType,
		QuotaResetDate: firstOfNextMonth(now),
	}
	switch limits.QuotaType {
	case types.QuotaWeekly:
		q.WeeklyTokenLimit = limits.QuotaTokens
		q.QuotaResetDate = now.Add(7 * 24 * time.Hour)
	case types.QuotaMonthly:
		q.MonthlyTokenLimit = limits.QuotaTokens
	default:
		// Lifetime never resets; the reset date is stored but never consulted.
		q.LifetimeTokenLimit = limits.QuotaTokens
	}
	return q
}

// nextResetDate advances a lapsed reset date to the next period boundary.
// Monthly periods reset on the first day of the next calendar month at
// midnight UTC; weekly periods advance in exact 7-day steps from the last
// reset so the anniversary never drifts.
func nextResetDate(quotaType types.QuotaType, lastReset, now time.Time) time.Time {
	if quotaType == types.QuotaMonthly {
		return firstOfNextMonth(now)
	}

	next := lastReset
	for !next.After(now) {
		next = next.Add(7 * 24 * time.Hour)
	}
	return next
}

func firstOfNextMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
