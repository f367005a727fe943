// Package errors provides error types for conductor
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Task error codes recorded on failed tasks and step results
const (
	CodeCancelled       = "CANCELLED"
	CodeProcessingError = "PROCESSING_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeStepFailed      = "STEP_FAILED"
)

var (
	// ErrAgentUnavailable is returned for unregistered or disabled agent types
	ErrAgentUnavailable = stderrors.New("agent unavailable")
	// ErrInvalidInput is returned when a handler rejects the task input
	ErrInvalidInput = stderrors.New("invalid input")
	// ErrTaskNotFound is returned by task lookups
	ErrTaskNotFound = stderrors.New("task not found")
	// ErrWorkflowNotFound is returned by execution lookups
	ErrWorkflowNotFound = stderrors.New("workflow execution not found")
	// ErrDefinitionNotFound is returned when a named definition is not loaded
	ErrDefinitionNotFound = stderrors.New("workflow definition not found")
	// ErrNotCancellable is returned when cancelling a task or execution that already settled
	ErrNotCancellable = stderrors.New("not cancellable")
	// ErrNotPaused is returned when resuming an execution that is not paused
	ErrNotPaused = stderrors.New("workflow execution is not paused")
	// ErrTimeout is returned when a task or step exceeds its allotted time
	ErrTimeout = stderrors.New("timeout")
	// ErrInvalidDefinition is returned for malformed workflow definitions
	ErrInvalidDefinition = stderrors.New("invalid workflow definition")
	// ErrStopped is returned by operations that need a running orchestrator
	ErrStopped = stderrors.New("orchestrator is stopped")
)

// APIError represents an API error
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

// NewAPIError builds an APIError whose status code is derived from err
func NewAPIError(err error) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Code: HTTPStatus(err), Message: err.Error()}
}

// HTTPStatus maps an orchestrator error to an HTTP status code
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, ErrTaskNotFound),
		stderrors.Is(err, ErrWorkflowNotFound),
		stderrors.Is(err, ErrDefinitionNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, ErrInvalidInput),
		stderrors.Is(err, ErrInvalidDefinition):
		return http.StatusBadRequest
	case stderrors.Is(err, ErrAgentUnavailable):
		return http.StatusUnprocessableEntity
	case stderrors.Is(err, ErrNotCancellable),
		stderrors.Is(err, ErrNotPaused):
		return http.StatusConflict
	case stderrors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case stderrors.Is(err, ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
