package api

import (
	"net/http"
	"strings"
)

// ApiError is the body of a failed HTTP response. The cause is logged,
// never sent.
type ApiError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	cause   error
}

func newApiError(status int, cause error) *ApiError {
	return &ApiError{
		Status:  status,
		Message: strings.ToLower(http.StatusText(status)),
		cause:   cause,
	}
}

func (e *ApiError) Error() string {
	if e.cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.cause.Error()
}

func (e *ApiError) Unwrap() error {
	return e.cause
}
