package core

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"snapsage/internal/types"
)

// Validator wraps go-playground/validator for request body validation and
// maps field failures onto structured AppErrors.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator using struct tag rules.
func NewValidator() *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ValidateStruct validates a decoded request struct. The first failing field
// determines the returned error; clients fix one problem at a time anyway.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalidErr *validator.InvalidValidationError
	if errors.As(err, &invalidErr) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation target must be a struct", err)
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := strings.ToLower(fe.Field())

		if fe.Tag() == "required" {
			return types.NewAppErrorWithDetails(
				types.ErrCodeValidationMissingField,
				"missing required field: "+field,
				nil,
				map[string]any{"field": field},
			)
		}
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"invalid value for field: "+field,
			nil,
			map[string]any{"field": field, "rule": fe.Tag()},
		)
	}

	return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
}
