// Package handlers contains the HTTP handler implementations for the SnapSage
// metering API. Handlers define their dependencies as small local interfaces
// and receive implementations through their constructors, which keeps them
// decoupled from concrete services and easy to test.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"snapsage/internal/core"
	"snapsage/internal/types"
)

// AssistGate is the metered execution path for model calls: plan
// reconciliation, quota pre-check, the model call itself, post-check, commit,
// and the audit ledger entry. Implemented by metering.Gate.
type AssistGate interface {
	Execute(ctx context.Context, userID, endpoint string, req *types.AssistRequest) (*types.ModelResult, error)
}

// AssistHandler handles the metered assist endpoint: one screenshot-plus-text
// question answered by the vision model.
type AssistHandler struct {
	gate   AssistGate
	logger *slog.Logger
}

// NewAssistHandler creates an AssistHandler with the provided dependencies.
func NewAssistHandler(gate AssistGate, logger *slog.Logger) *AssistHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssistHandler{
		gate:   gate,
		logger: logger,
	}
}

// RegisterRoutes mounts the assist endpoint on the authenticated router.
func (h *AssistHandler) RegisterRoutes(r chi.Router) {
	r.Post("/assist", h.Assist)
}

// AssistResponse is the response body for POST /v1/assist.
type AssistResponse struct {
	Answer       string `json:"answer"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Assist handles POST /v1/assist. The request carries the user's question,
// optional screenshots, and optional prompt context; the response is the
// model's answer with the provider's token accounting.
func (h *AssistHandler) Assist(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req types.AssistRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := validateAssistRequest(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.gate.Execute(r.Context(), userID, "assist", &req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: AssistResponse{
		Answer:       result.Answer,
		Model:        result.Model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	}})
}

// validateAssistRequest enforces the request contract beyond JSON shape: a
// question needs text or at least one image, image payloads must be present,
// and detail hints must be recognized.
func validateAssistRequest(req *types.AssistRequest) error {
	if req.Text == "" && len(req.Images) == 0 {
		return types.NewAppError(
			types.ErrCodeValidationMissingField,
			"request must include text or at least one image",
			nil,
		)
	}

	if req.MaxOutputTokens < 0 {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"max_output_tokens must not be negative",
			nil,
			map[string]any{"field": "max_output_tokens"},
		)
	}

	for i, img := range req.Images {
		if img.Data == "" {
			return types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidImage,
				"image data must not be empty",
				nil,
				map[string]any{"index": i},
			)
		}
		switch img.Detail {
		case "", types.ImageDetailLow, types.ImageDetailHigh:
		default:
			return types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidImage,
				"image detail must be low or high",
				nil,
				map[string]any{"index": i, "detail": string(img.Detail)},
			)
		}
	}

	return nil
}
