package httpserver

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var compositeIDPattern = regexp.MustCompile(`^[0-9]{1,19}:[0-9]{1,19}$`)

// ValidateCompositeID checks the companyId:requestId shape.
func ValidateCompositeID(id string) ValidationResult {
	if id == "" {
		return ValidationResult{Errors: []ValidationError{{
			Field:   "id",
			Code:    "REQUIRED",
			Message: "Composite id is required",
		}}}
	}
	if !compositeIDPattern.MatchString(id) {
		return ValidationResult{Errors: []ValidationError{{
			Field:   "id",
			Code:    "INVALID_FORMAT",
			Message: "Composite id must look like <companyId>:<requestId>",
		}}}
	}
	return ValidationResult{Valid: true}
}

// ParseLimit parses a limit query value. Empty yields def.
func ParseLimit(raw string, def, max int) (int, ValidationResult) {
	if raw == "" {
		return def, ValidationResult{Valid: true}
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, ValidationResult{Errors: []ValidationError{{
			Field:   "limit",
			Code:    "INVALID_FORMAT",
			Message: fmt.Sprintf("Limit must be between 1 and %d", max),
		}}}
	}
	return n, ValidationResult{Valid: true}
}

// FieldErrors converts validator errors into response details.
func FieldErrors(errs validator.ValidationErrors) []ValidationError {
	out := make([]ValidationError, 0, len(errs))
	for _, fe := range errs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fmt.Sprintf("%s failed on %q", fe.Field(), fe.Tag()),
		})
	}
	return out
}
