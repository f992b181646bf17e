package openai

import (
	"encoding/json"
	"net/http"
)

// Error types in OpenAI wire format.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAuthentication = "authentication_error"
	ErrTypeRateLimit      = "rate_limit_error"
	ErrTypeAPI            = "api_error"
	ErrTypeOverloaded     = "overloaded_error"
)

// APIError is an error in the OpenAI response format.
type APIError struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// errorResponse is the wire envelope for errors.
type errorResponse struct {
	Error APIError `json:"error"`
}

// NewInvalidRequestError creates a 400 error.
func NewInvalidRequestError(message string) *APIError {
	return &APIError{Type: ErrTypeInvalidRequest, Message: message, StatusCode: http.StatusBadRequest}
}

// NewAuthenticationError creates a 401 error.
func NewAuthenticationError(message string) *APIError {
	return &APIError{Type: ErrTypeAuthentication, Message: message, StatusCode: http.StatusUnauthorized}
}

// NewModelNotFoundError creates a 404 error for an unserved model name.
func NewModelNotFoundError(model string) *APIError {
	return &APIError{
		Type:       ErrTypeInvalidRequest,
		Message:    "model '" + model + "' does not exist",
		StatusCode: http.StatusNotFound,
	}
}

// NewRateLimitError creates a 429 error.
func NewRateLimitError(message string) *APIError {
	return &APIError{Type: ErrTypeRateLimit, Message: message, StatusCode: http.StatusTooManyRequests}
}

// NewInternalError creates a 500 error.
func NewInternalError(message string) *APIError {
	return &APIError{Type: ErrTypeAPI, Message: message, StatusCode: http.StatusInternalServerError}
}

// NewOverloadedError creates a 503 error used when no account can serve
// the request.
func NewOverloadedError(message string) *APIError {
	return &APIError{Type: ErrTypeOverloaded, Message: message, StatusCode: http.StatusServiceUnavailable}
}

// WriteError writes an APIError as a JSON response.
func WriteError(w http.ResponseWriter, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: *apiErr})
}
