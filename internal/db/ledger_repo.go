package db

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"snapsage/internal/types"
)

// UsageLogRepo manages the append-only usage_log table. Rows record every
// metered model call, successful or not; nothing in this service ever updates
// or deletes them.
type UsageLogRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewUsageLogRepo creates a new UsageLogRepo.
func NewUsageLogRepo(db DBTX, logger *slog.Logger) *UsageLogRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageLogRepo{db: db, logger: logger}
}

// Insert appends one audit record. The entry's ID is assigned here if unset.
func (r *UsageLogRepo) Insert(ctx context.Context, entry *types.UsageLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_log (id, user_id, plan, endpoint, model,
		     input_tokens, output_tokens, success, error_message,
		     estimated_cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
		entry.ID, entry.UserID, entry.Plan, entry.Endpoint, entry.Model,
		entry.InputTokens, entry.OutputTokens, entry.Success, entry.ErrorMessage,
		entry.EstimatedCostUSD,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert usage log entry", err)
	}
	return nil
}

// RecentForUser returns the newest entries for a user, most recent first.
// Used by the plan summary endpoint's history view.
func (r *UsageLogRepo) RecentForUser(ctx context.Context, userID string, limit int) ([]types.UsageLogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, plan, endpoint, model,
		     input_tokens, output_tokens, success, error_message,
		     estimated_cost_usd, created_at
		 FROM usage_log
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query usage log", err)
	}
	defer rows.Close()

	var entries []types.UsageLogEntry
	for rows.Next() {
		var e types.UsageLogEntry
		err := rows.Scan(
			&e.ID, &e.UserID, &e.Plan, &e.Endpoint, &e.Model,
			&e.InputTokens, &e.OutputTokens, &e.Success, &e.ErrorMessage,
			&e.EstimatedCostUSD, &e.CreatedAt,
		)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage log entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate usage log", err)
	}
	return entries, nil
}
