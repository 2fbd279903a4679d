package db

import (
	"context"
	"log/slog"
	"time"

	"snapsage/internal/types"
)

// UsageQuotaRepo manages the usage_quotas table: one row per user holding the
// token counters and limits for the user's current quota period.
type UsageQuotaRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewUsageQuotaRepo creates a new UsageQuotaRepo.
func NewUsageQuotaRepo(db DBTX, logger *slog.Logger) *UsageQuotaRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageQuotaRepo{db: db, logger: logger}
}

const usageQuotaColumns = `user_id, quota_type, weekly_tokens_used, monthly_tokens_used,
	weekly_token_limit, monthly_token_limit, lifetime_token_limit,
	quota_reset_date, created_at, updated_at`

// GetOrCreate returns the user's quota row, creating one from the given
// defaults if none exists. The defaults describe the user's current plan
// (limits, quota type, first reset date); counters start at zero.
func (r *UsageQuotaRepo) GetOrCreate(ctx context.Context, userID string, defaults *types.UsageQuota) (*types.UsageQuota, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_quotas (user_id, quota_type, weekly_tokens_used, monthly_tokens_used,
		     weekly_token_limit, monthly_token_limit, lifetime_token_limit,
		     quota_reset_date, created_at, updated_at)
		 VALUES ($1, $2, 0, 0, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, defaults.QuotaType,
		defaults.WeeklyTokenLimit, defaults.MonthlyTokenLimit, defaults.LifetimeTokenLimit,
		defaults.QuotaResetDate,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create usage quota", err)
	}

	return r.Get(ctx, userID)
}

// Get returns the user's quota row.
func (r *UsageQuotaRepo) Get(ctx context.Context, userID string) (*types.UsageQuota, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+usageQuotaColumns+`
		 FROM usage_quotas
		 WHERE user_id = $1`,
		userID,
	)

	var q types.UsageQuota
	err := row.Scan(
		&q.UserID, &q.QuotaType, &q.WeeklyTokensUsed, &q.MonthlyTokensUsed,
		&q.WeeklyTokenLimit, &q.MonthlyTokenLimit, &q.LifetimeTokenLimit,
		&q.QuotaResetDate, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load usage quota", err)
	}
	return &q, nil
}

// Reset zeroes the period counter(s) and advances the reset date. Used when a
// read observes that the current period has ended. Lifetime quotas are never
// reset; callers must not invoke this for them.
func (r *UsageQuotaRepo) Reset(ctx context.Context, userID string, nextReset time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE usage_quotas
		 SET weekly_tokens_used = 0,
		     monthly_tokens_used = 0,
		     quota_reset_date = $1,
		     updated_at = NOW()
		 WHERE user_id = $2`,
		nextReset, userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reset usage quota", err)
	}
	return nil
}

// Increment atomically adds tokens to the active counter for the quota's type
// and returns the updated row. Concurrent increments serialize at the database
// so the counters never lose updates.
func (r *UsageQuotaRepo) Increment(ctx context.Context, userID string, quotaType types.QuotaType, tokens int64) (*types.UsageQuota, error) {
	column := "monthly_tokens_used"
	if quotaType == types.QuotaWeekly {
		column = "weekly_tokens_used"
	}

	row := r.db.QueryRow(ctx,
		`UPDATE usage_quotas
		 SET `+column+` = `+column+` + $1,
		     updated_at = NOW()
		 WHERE user_id = $2
		 RETURNING `+usageQuotaColumns,
		tokens, userID,
	)

	var q types.UsageQuota
	err := row.Scan(
		&q.UserID, &q.QuotaType, &q.WeeklyTokensUsed, &q.MonthlyTokensUsed,
		&q.WeeklyTokenLimit, &q.MonthlyTokenLimit, &q.LifetimeTokenLimit,
		&q.QuotaResetDate, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage quota", err)
	}
	return &q, nil
}

// Reconfigure switches the quota row to a new plan's type and limits without
// touching the consumed counters. Tokens spent in the current period stay
// spent across plan changes.
func (r *UsageQuotaRepo) Reconfigure(ctx context.Context, userID string, next *types.UsageQuota) error {
	_, err := r.db.Exec(ctx,
		`UPDATE usage_quotas
		 SET quota_type = $1,
		     weekly_token_limit = $2,
		     monthly_token_limit = $3,
		     lifetime_token_limit = $4,
		     quota_reset_date = $5,
		     updated_at = NOW()
		 WHERE user_id = $6`,
		next.QuotaType, next.WeeklyTokenLimit, next.MonthlyTokenLimit,
		next.LifetimeTokenLimit, next.QuotaResetDate, userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reconfigure usage quota", err)
	}
	return nil
}
