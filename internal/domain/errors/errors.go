package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeBusiness     ErrorType = "business"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeExternal     ErrorType = "external"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeInvalidState ErrorType = "invalid_state"
	ErrorTypeUnavailable  ErrorType = "unavailable"
)

// Error codes surfaced to callers
const (
	CodeNotFound         = "RESOURCE_NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeSelfBidForbidden = "SELF_BID_FORBIDDEN"
	CodeBidTooLow        = "BID_TOO_LOW"
	CodeReserveNotMet    = "RESERVE_NOT_MET"
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeBusy             = "AUCTION_BUSY"
	CodeAuctionClosed    = "AUCTION_CLOSED"
	CodeOutOfOrder       = "BID_OUT_OF_ORDER"
	CodeAlreadyWinning   = "ALREADY_WINNING"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeOutcomeUnknown   = "OUTCOME_UNKNOWN"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeInternal         = "INTERNAL_ERROR"
	CodeExternal         = "EXTERNAL_SERVICE_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
		Retryable:  false,
		StatusCode: 401,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       CodeForbidden,
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeInternal,
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       CodeExternal,
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

func NewInvalidStateError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInvalidState,
		Code:       CodeInvalidState,
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewSelfBidForbiddenError() *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       CodeSelfBidForbidden,
		Message:    "auction owner cannot bid on their own auction",
		Retryable:  false,
		StatusCode: 403,
	}
}

// NewBidTooLowError carries the minimum acceptable bid so the client can re-offer.
func NewBidTooLowError(minimum, currency string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       CodeBidTooLow,
		Message:    fmt.Sprintf("bid is below the minimum of %s %s", minimum, currency),
		Retryable:  false,
		StatusCode: 422,
		Details: map[string]interface{}{
			"minimum_bid": minimum,
			"currency":    currency,
		},
	}
}

func NewAlreadyWinningError(minimum, currency string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       CodeAlreadyWinning,
		Message:    "bidder already holds the top bid",
		Retryable:  false,
		StatusCode: 422,
		Details: map[string]interface{}{
			"minimum_bid": minimum,
			"currency":    currency,
		},
	}
}

func NewReserveNotMetError(finalPrice, reserve string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       CodeReserveNotMet,
		Message:    "final price is below the reserve price",
		Retryable:  false,
		StatusCode: 422,
		Details: map[string]interface{}{
			"final_price":   finalPrice,
			"reserve_price": reserve,
		},
	}
}

func NewVersionConflictError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       CodeVersionConflict,
		Message:    fmt.Sprintf("%s was modified concurrently", resource),
		Retryable:  true,
		StatusCode: 409,
	}
}

func NewBusyError(attempts int) *AppError {
	return &AppError{
		Type:       ErrorTypeUnavailable,
		Code:       CodeBusy,
		Message:    "auction is busy, retry the bid",
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"attempts": attempts},
	}
}

func NewAuctionClosedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       CodeAuctionClosed,
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewOutOfOrderError(amount, top string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       CodeOutOfOrder,
		Message:    fmt.Sprintf("bid %s does not exceed current top bid %s", amount, top),
		Retryable:  true,
		StatusCode: 409,
	}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       CodeRateLimited,
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

// NewOutcomeUnknownError is returned when the caller's deadline fired while a
// commit was in flight; the caller must re-query the auction.
func NewOutcomeUnknownError(cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeOutcomeUnknown,
		Message:    "bid outcome unknown, re-query the auction",
		Retryable:  false,
		StatusCode: 504,
		Cause:      cause,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// HasCode checks if an error carries a specific code
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
