// Package validation wraps go-playground/validator with the custom rules used
// by the DVID client façades and configuration.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// TagDVIDName validates a DVID data instance or key name.
const TagDVIDName = "dvidname"

// Validator wraps go-playground/validator with custom validation logic.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator instance with custom validation rules registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.RegisterValidation(TagDVIDName, validateDVIDName); err != nil {
		panic(fmt.Sprintf("validation: register %s: %v", TagDVIDName, err))
	}

	return &Validator{validate: v}
}

// GetValidator returns the underlying validator instance.
func (v *Validator) GetValidator() *validator.Validate {
	return v.validate
}

// Validate performs validation on the provided struct and returns any validation errors.
func (v *Validator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return NewValidationError(validationErrors)
		}
		return err
	}
	return nil
}

// ValidateVar validates a single value against tag, reporting failures under field.
func (v *Validator) ValidateVar(field string, value any, tag string) error {
	if err := v.validate.Var(value, tag); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			ve := NewValidationError(validationErrors)
			for i := range ve.Errors {
				ve.Errors[i].Field = field
				ve.Errors[i].Message = messageFor(field, validationErrors[i])
			}
			return ve
		}
		return err
	}
	return nil
}

// ValidationError wraps validation errors with structured field errors.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

// FieldError represents a validation error for a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// NewValidationError creates a ValidationError from go-playground/validator errors.
func NewValidationError(errs validator.ValidationErrors) *ValidationError {
	fieldErrors := make([]FieldError, 0, len(errs))

	for _, err := range errs {
		fieldErrors = append(fieldErrors, FieldError{
			Field:   err.Field(),
			Message: messageFor(err.Field(), err),
			Value:   fmt.Sprintf("%v", err.Value()),
		})
	}

	return &ValidationError{Errors: fieldErrors}
}

func (ve *ValidationError) Error() string {
	if len(ve.Errors) == 0 {
		return "validation failed"
	}

	if len(ve.Errors) == 1 {
		return fmt.Sprintf("validation failed: %s", ve.Errors[0].Message)
	}

	return fmt.Sprintf("validation failed: %d errors", len(ve.Errors))
}

// FirstField returns the name of the first failing field, or "" when there is none.
func (ve *ValidationError) FirstField() string {
	if len(ve.Errors) == 0 {
		return ""
	}
	return ve.Errors[0].Field
}

func messageFor(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case TagDVIDName:
		return fmt.Sprintf("%s must be a non-empty name without '/' or whitespace", field)
	default:
		return fmt.Sprintf("%s failed validation", field)
	}
}

// validateDVIDName accepts names that can be used as a single URI path segment
// on a DVID node.
func validateDVIDName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" {
		return false
	}
	return !strings.ContainsFunc(name, func(r rune) bool {
		return r == '/' || unicode.IsSpace(r) || unicode.IsControl(r)
	})
}
