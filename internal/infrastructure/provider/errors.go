package provider

import (
	"encoding/json"
	"errors"
	"strings"
)

// Anthropic wire error types.
const (
	ErrTypeAuthentication = "authentication_error"
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeRateLimit      = "rate_limit_error"
	ErrTypeOverloaded     = "overloaded_error"
	ErrTypeAPI            = "api_error"
)

// Error is a provider failure carrying the Anthropic error type and the
// HTTP status to respond with.
type Error struct {
	Type       string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return e.Message
}

// AnthropicFormat renders the Anthropic error envelope.
func (e *Error) AnthropicFormat() map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrTypeAuthentication, StatusCode: 401, Message: message}
}

func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrTypeInvalidRequest, StatusCode: 400, Message: message}
}

func NewRateLimitError(message string) *Error {
	return &Error{Type: ErrTypeRateLimit, StatusCode: 429, Message: message}
}

func NewOverloadedError(message string) *Error {
	return &Error{Type: ErrTypeOverloaded, StatusCode: 529, Message: message}
}

func NewAPIError(message string, statusCode int) *Error {
	return &Error{Type: ErrTypeAPI, StatusCode: statusCode, Message: message}
}

// AsProviderError extracts an *Error from err, wrapping unknown errors as a
// generic 500 api_error so the HTTP layer never leaks raw failures.
func AsProviderError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewAPIError("An unexpected error occurred.", 500)
}

// IsRateLimited reports whether err classifies as a 429.
func IsRateLimited(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Type == ErrTypeRateLimit
}

// MapError converts an upstream HTTP failure into a typed Error. The message
// is pulled from the OpenAI error envelope when the body parses, otherwise
// the raw body is used.
func MapError(statusCode int, body []byte) *Error {
	message := string(body)
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	switch {
	case statusCode == 401:
		return NewAuthenticationError(message)
	case statusCode == 429:
		return NewRateLimitError(message)
	case statusCode == 400 || statusCode == 422:
		return NewInvalidRequestError(message)
	case statusCode >= 500:
		lower := strings.ToLower(message)
		if strings.Contains(lower, "overloaded") || strings.Contains(lower, "capacity") {
			return NewOverloadedError(message)
		}
		return NewAPIError(message, statusCode)
	default:
		return NewAPIError(message, statusCode)
	}
}
