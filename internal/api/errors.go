package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/storywright/illustration-api/internal/domain"
	"github.com/storywright/illustration-api/internal/store"
	"github.com/storywright/illustration-api/internal/task"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, task.ErrTaskNotRetryable):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, task.ErrNilStoryID),
		errors.Is(err, task.ErrNoPages),
		errors.Is(err, domain.ErrEmptyPageContent),
		errors.Is(err, domain.ErrEmptyPagePageID),
		errors.Is(err, domain.ErrInvalidPageOrdinal):
		return http.StatusBadRequest

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return "Illustration task not found"

	case errors.Is(err, store.ErrNotFound):
		return "Resource not found"

	case errors.Is(err, task.ErrTaskNotRetryable):
		return "Only failed tasks can be retried"

	case errors.Is(err, store.ErrDuplicate):
		return "Resource already exists"

	case errors.Is(err, task.ErrNilStoryID):
		return "Story ID is required"

	case errors.Is(err, task.ErrNoPages):
		return "Story must contain at least one page"

	case errors.Is(err, domain.ErrEmptyPageContent),
		errors.Is(err, domain.ErrEmptyPagePageID),
		errors.Is(err, domain.ErrInvalidPageOrdinal):
		return "Invalid page data"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"

	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError removes sensitive details from validation errors
// and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	if strings.Contains(errMsg, "Field validation") {
		// Example format: "Key: 'EnqueueStoryRequest.Title' Error:Field
		// validation for 'Title' failed on the 'required' tag"
		parts := strings.Split(errMsg, "Error:")
		if len(parts) >= 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				var tag string
				if len(fieldParts) >= 5 {
					tag = fieldParts[3]
				}

				if tag != "" {
					return fmt.Sprintf("Invalid %s: %s", field, getValidationTagMessage(tag))
				}
				return fmt.Sprintf("Invalid %s", field)
			}
		}
	}

	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "gt":
		return "must be greater than zero"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
