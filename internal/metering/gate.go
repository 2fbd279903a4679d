package metering

import (
	"context"
	"errors"
	"log/slog"

	"snapsage/internal/billing"
	"snapsage/internal/metrics"
	"snapsage/internal/types"
)

// PlanReconciler resolves a user's effective plan, applying any lapsed pending
// transition first. Implemented by billing.PlanStateMachine.
type PlanReconciler interface {
	Reconcile(ctx context.Context, userID string) (*types.UserPlan, error)
}

// ModelClient performs the actual model call and reports the provider's real
// token accounting.
type ModelClient interface {
	Complete(ctx context.Context, req *types.AssistRequest) (*types.ModelResult, error)
}

// QuotaAccess is the slice of QuotaService the gate uses.
type QuotaAccess interface {
	Snapshot(ctx context.Context, userID string, tier types.PlanTier) (*types.UsageQuota, error)
	Commit(ctx context.Context, quota *types.UsageQuota, tokens int64) (*types.UsageQuota, error)
}

// UsageRecorder appends audit entries. Implemented by UsageLedger.
type UsageRecorder interface {
	Record(ctx context.Context, entry *types.UsageLogEntry)
}

// Gate wraps every metered model call with quota enforcement:
// estimate, pre-check, call, re-check, commit, ledger.
//
// The pre- and post-checks are read-compare sequences without a row lock, so
// two concurrent requests from the same user can both pass the pre-check. The
// accepted over-spend window is one in-flight request's worth of tokens; the
// post-check closes most of it.
type Gate struct {
	plans    PlanReconciler
	quotas   QuotaAccess
	registry billing.PlanRegistry
	model    ModelClient
	ledger   UsageRecorder
	logger   *slog.Logger
}

// NewGate creates a Gate.
func NewGate(plans PlanReconciler, quotas QuotaAccess, registry billing.PlanRegistry, model ModelClient, ledger UsageRecorder, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		plans:    plans,
		quotas:   quotas,
		registry: registry,
		model:    model,
		ledger:   ledger,
		logger:   logger,
	}
}

// Execute runs one metered model call for the user.
//
// Failure semantics: plan resolution fails closed (a user whose plan cannot be
// read gets an error, not free usage of an unknown tier). The quota pre-check
// fails open on storage errors so a metering outage never takes the product
// down. Model errors surface as-is with no quota impact. Only successful calls
// consume quota.
func (g *Gate) Execute(ctx context.Context, userID, endpoint string, req *types.AssistRequest) (*types.ModelResult, error) {
	plan, err := g.plans.Reconcile(ctx, userID)
	if err != nil {
		return nil, err
	}
	limits := g.registry.GetLimits(plan.Plan)

	// Requests naming a model outside the tier's entitlements silently use the
	// tier default rather than failing; desktop clients ship model names that
	// outlive plan changes.
	resolved := *req
	if resolved.Model == "" || !limits.AllowsModel(resolved.Model) {
		resolved.Model = limits.DefaultModel
	}

	estimated := EstimateTokens(&resolved)

	quota, err := g.quotas.Snapshot(ctx, userID, plan.Plan)
	if err != nil {
		// Fail open: a metering outage must not become a product outage.
		g.logger.Warn("quota pre-check unavailable, allowing request",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		quota = nil
	}
	if quota != nil {
		if err := checkAgainst(quota, plan.Plan, estimated); err != nil {
			metrics.QuotaDenialsTotal.WithLabelValues(string(plan.Plan), "pre").Inc()
			return nil, err
		}
	}

	result, err := g.model.Complete(ctx, &resolved)
	if err != nil {
		metrics.ModelCallsTotal.WithLabelValues(resolved.Model, "error").Inc()
		g.ledger.Record(ctx, &types.UsageLogEntry{
			UserID:       userID,
			Plan:         plan.Plan,
			Endpoint:     endpoint,
			Model:        resolved.Model,
			Success:      false,
			ErrorMessage: errMessage(err),
		})
		return nil, err
	}
	metrics.ModelCallsTotal.WithLabelValues(result.Model, "ok").Inc()

	actual := result.TotalTokens()

	// Re-check against a fresh counter. Concurrent requests may have consumed
	// quota since the pre-check; if the actual spend no longer fits, the call's
	// cost is absorbed rather than charged and the user gets a quota error.
	fresh, err := g.quotas.Snapshot(ctx, userID, plan.Plan)
	if err != nil {
		g.logger.Warn("quota post-check unavailable, committing blind",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		fresh = quota
	}
	if fresh != nil {
		if err := checkAgainst(fresh, plan.Plan, actual); err != nil {
			metrics.QuotaDenialsTotal.WithLabelValues(string(plan.Plan), "post").Inc()
			g.ledger.Record(ctx, &types.UsageLogEntry{
				UserID:       userID,
				Plan:         plan.Plan,
				Endpoint:     endpoint,
				Model:        result.Model,
				InputTokens:  result.InputTokens,
				OutputTokens: result.OutputTokens,
				Success:      false,
				ErrorMessage: errMessage(err),
			})
			return nil, err
		}

		if _, err := g.quotas.Commit(ctx, fresh, actual); err != nil {
			// Best effort: the user keeps the answer, the counter heals on the
			// next successful commit.
			g.logger.Error("quota commit failed",
				slog.String("user_id", userID),
				slog.Int64("tokens", actual),
				slog.String("error", err.Error()),
			)
		} else {
			metrics.TokensConsumedTotal.WithLabelValues(string(plan.Plan), result.Model).Add(float64(actual))
		}
	}

	g.ledger.Record(ctx, &types.UsageLogEntry{
		UserID:       userID,
		Plan:         plan.Plan,
		Endpoint:     endpoint,
		Model:        result.Model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Success:      true,
	})
	return result, nil
}

func errMessage(err error) *string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		msg := appErr.Message
		return &msg
	}
	msg := err.Error()
	return &msg
}
