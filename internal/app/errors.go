package app

import (
	"fmt"
	"net/http"
)

// RequestError is a failure the service reports with its own status and code
// instead of one derived from a package sentinel.
type RequestError struct {
	Status  int
	Code    string
	Message string
	// Field names the offending request field, when there is one.
	Field string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// details is the JSON "details" payload, nil when no field is named.
func (e *RequestError) details() any {
	if e.Field == "" {
		return nil
	}
	return map[string]string{"field": e.Field}
}

func validationError(field, message string) *RequestError {
	return &RequestError{
		Status:  http.StatusUnprocessableEntity,
		Code:    "VALIDATION_ERROR",
		Message: message,
		Field:   field,
	}
}
