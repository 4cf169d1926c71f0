package availability

import (
	"errors"
	"fmt"

	"tutorly/internal/apperr"

	"github.com/go-playground/validator/v10"
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// TranslateValidation maps validator failures to a ValidationError listing
// every rejected field.
func TranslateValidation(op string, err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return apperr.Validation(op, "%v", err)
	}

	fields := make([]FieldError, 0, len(errs))
	for _, fe := range errs {
		message := fe.Error()
		switch fe.Tag() {
		case "required":
			message = fmt.Sprintf("%s is required", fe.Field())
		case "min":
			message = fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
		case "max":
			message = fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
		case "gt":
			message = fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
		case "gtfield":
			message = fmt.Sprintf("%s must be after %s", fe.Field(), fe.Param())
		case "timezone":
			message = fmt.Sprintf("%s must be an IANA timezone", fe.Field())
		case "oneof":
			message = fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
		}
		fields = append(fields, FieldError{Field: fe.Field(), Message: message})
	}

	e := apperr.Validation(op, "%d invalid field(s)", len(fields))
	return e.With("fields", fields)
}
