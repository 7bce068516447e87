package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrConflict           ErrorCode = "CONFLICT"
	ErrBadRequest         ErrorCode = "BAD_REQUEST"
	ErrInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrInsufficientFunds  ErrorCode = "INSUFFICIENT_FUNDS"
	ErrRoutingUnavailable ErrorCode = "ROUTING_UNAVAILABLE"
	ErrDeliveryExhausted  ErrorCode = "DELIVERY_EXHAUSTED"
	ErrExternalGateway    ErrorCode = "EXTERNAL_GATEWAY_ERROR"
	ErrOutcomeUnknown     ErrorCode = "OUTCOME_UNKNOWN"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrInternalServer     ErrorCode = "INTERNAL_SERVER_ERROR"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes a wrapped error passed as Details so errors.Is keeps working
// across the API boundary.
func (e APIError) Unwrap() error {
	if err, ok := e.Details.(error); ok {
		return err
	}
	return nil
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.WithField("code", code).Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf returns the code of the first APIError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// MessageOf returns the message of the first APIError in err's chain, or
// err.Error() for any other error.
func MessageOf(err error) string {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

// Is reports whether err carries an APIError with the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

func MapErrorToHTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict, ErrInvalidTransition:
		return http.StatusConflict
	case ErrInvalidInput, ErrBadRequest:
		return http.StatusBadRequest
	case ErrInsufficientFunds, ErrRoutingUnavailable:
		return http.StatusUnprocessableEntity
	case ErrDeliveryExhausted:
		return http.StatusGone
	case ErrExternalGateway:
		return http.StatusBadGateway
	case ErrOutcomeUnknown:
		return http.StatusServiceUnavailable
	case ErrUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
