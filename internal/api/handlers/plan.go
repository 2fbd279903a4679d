package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"snapsage/internal/core"
	"snapsage/internal/types"
)

// PlanService is the subscription state machine surface the plan handler
// needs. Implemented by billing.PlanStateMachine. Reconcile applies any due
// pending transition before returning, so reads always see the effective plan.
type PlanService interface {
	Reconcile(ctx context.Context, userID string) (*types.UserPlan, error)
	Cancel(ctx context.Context, userID string) (*types.UserPlan, error)
	Resume(ctx context.Context, userID string) (*types.UserPlan, error)
}

// QuotaReader exposes the current quota counters for the plan summary.
// Implemented by metering.QuotaService.
type QuotaReader interface {
	Snapshot(ctx context.Context, userID string, tier types.PlanTier) (*types.UsageQuota, error)
}

// UsageHistoryReader returns recent audit ledger entries for the user.
// Implemented by db.UsageLogRepo.
type UsageHistoryReader interface {
	RecentForUser(ctx context.Context, userID string, limit int) ([]types.UsageLogEntry, error)
}

// PlanHandler serves the plan read-model and the user-initiated cancel and
// resume operations.
type PlanHandler struct {
	plans  PlanService
	quotas QuotaReader
	usage  UsageHistoryReader
	logger *slog.Logger
}

// NewPlanHandler creates a PlanHandler with the provided dependencies.
func NewPlanHandler(plans PlanService, quotas QuotaReader, usage UsageHistoryReader, logger *slog.Logger) *PlanHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanHandler{
		plans:  plans,
		quotas: quotas,
		usage:  usage,
		logger: logger,
	}
}

// RegisterRoutes mounts the plan and usage endpoints on the authenticated
// router.
func (h *PlanHandler) RegisterRoutes(r chi.Router) {
	r.Get("/plan", h.GetPlan)
	r.Post("/plan/cancel", h.Cancel)
	r.Post("/plan/resume", h.Resume)
	r.Get("/usage/history", h.UsageHistory)
}

// GetPlan handles GET /v1/plan. It reconciles any due plan transition, then
// returns the effective plan together with a quota snapshot.
func (h *PlanHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	plan, err := h.plans.Reconcile(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	summary, err := h.buildSummary(r.Context(), userID, plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}

// Cancel handles POST /v1/plan/cancel. The subscription stays active until
// the end of the paid period; the response shows the scheduled transition.
func (h *PlanHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	plan, err := h.plans.Cancel(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "subscription cancellation scheduled",
		"user_id", userID,
		"plan", plan.Plan,
	)

	summary, err := h.buildSummary(r.Context(), userID, plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}

// Resume handles POST /v1/plan/resume. It clears a scheduled cancellation or
// downgrade; a request with no pending change is a 409.
func (h *PlanHandler) Resume(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	plan, err := h.plans.Resume(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "pending plan change resumed",
		"user_id", userID,
		"plan", plan.Plan,
	)

	summary, err := h.buildSummary(r.Context(), userID, plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}

// UsageHistory handles GET /v1/usage/history. Returns recent ledger entries,
// newest first. The limit query parameter is clamped by the repository.
func (h *PlanHandler) UsageHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"limit must be an integer",
				err,
			))
			return
		}
		limit = parsed
	}

	entries, err := h.usage.RecentForUser(r.Context(), userID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entries})
}

// buildSummary assembles the PlanSummary read-model from the plan row and the
// current quota snapshot.
func (h *PlanHandler) buildSummary(ctx context.Context, userID string, plan *types.UserPlan) (*types.PlanSummary, error) {
	quota, err := h.quotas.Snapshot(ctx, userID, plan.Plan)
	if err != nil {
		return nil, err
	}

	summary := &types.PlanSummary{
		Plan:              plan.Plan,
		NextPlan:          plan.NextPlan,
		PlanExpiresAt:     plan.PlanExpiresAt,
		CancelAtPeriodEnd: plan.CancelAtPeriodEnd,
		QuotaType:         quota.QuotaType,
		QuotaUsed:         quota.Used(),
		QuotaLimit:        quota.Limit(),
	}
	if quota.QuotaType != types.QuotaLifetime {
		resetDate := quota.QuotaResetDate
		summary.QuotaResetDate = &resetDate
	}
	return summary, nil
}
