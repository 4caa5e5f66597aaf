package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       *AppError
		code      string
		errType   ErrorType
		status    int
		retryable bool
	}{
		{"not found", NewNotFoundError("auction"), CodeNotFound, ErrorTypeNotFound, 404, false},
		{"invalid state", NewInvalidStateError("auction is scheduled"), CodeInvalidState, ErrorTypeInvalidState, 409, false},
		{"self bid", NewSelfBidForbiddenError(), CodeSelfBidForbidden, ErrorTypeForbidden, 403, false},
		{"bid too low", NewBidTooLowError("10.000", "KWD"), CodeBidTooLow, ErrorTypeBusiness, 422, false},
		{"reserve not met", NewReserveNotMetError("10.000", "50.000"), CodeReserveNotMet, ErrorTypeBusiness, 422, false},
		{"conflict", NewVersionConflictError("auction"), CodeVersionConflict, ErrorTypeConflict, 409, true},
		{"busy", NewBusyError(5), CodeBusy, ErrorTypeUnavailable, 503, true},
		{"closed", NewAuctionClosedError("auction has ended"), CodeAuctionClosed, ErrorTypeBusiness, 409, false},
		{"out of order", NewOutOfOrderError("10.000", "11.000"), CodeOutOfOrder, ErrorTypeConflict, 409, true},
		{"already winning", NewAlreadyWinningError("12.000", "KWD"), CodeAlreadyWinning, ErrorTypeBusiness, 422, false},
		{"rate limited", NewRateLimitError("slow down"), CodeRateLimited, ErrorTypeForbidden, 429, true},
		{"external", NewExternalError("postgres", "connection refused"), CodeExternal, ErrorTypeExternal, 502, true},
		{"outcome unknown", NewOutcomeUnknownError(context.DeadlineExceeded), CodeOutcomeUnknown, ErrorTypeInternal, 504, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.True(t, IsType(tt.err, tt.errType))
			assert.True(t, HasCode(tt.err, tt.code))
			assert.Equal(t, tt.status, GetStatusCode(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestBidTooLowDetails(t *testing.T) {
	err := NewBidTooLowError("105.000", "KWD")

	assert.Equal(t, "105.000", err.Details["minimum_bid"])
	assert.Equal(t, "KWD", err.Details["currency"])
	assert.Contains(t, err.Error(), "105.000 KWD")
}

func TestAppError_Wrapping(t *testing.T) {
	cause := errors.New("connection reset")
	appErr := NewInternalError("failed to load auction").WithCause(cause)

	wrapped := fmt.Errorf("place bid: %w", appErr)

	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, HasCode(wrapped, CodeInternal))
	assert.Equal(t, 500, GetStatusCode(wrapped))
	assert.Equal(t, "failed to load auction: connection reset", appErr.Error())

	outcome := NewOutcomeUnknownError(context.Canceled)
	assert.ErrorIs(t, outcome, context.Canceled)
}

func TestHelpers_PlainError(t *testing.T) {
	plain := errors.New("boom")

	assert.False(t, IsType(plain, ErrorTypeInternal))
	assert.False(t, HasCode(plain, CodeInternal))
	assert.False(t, IsRetryable(plain))
	assert.Equal(t, 500, GetStatusCode(plain))
	assert.Nil(t, Wrap(nil, "noop"))
	assert.EqualError(t, Wrap(plain, "ctx"), "ctx: boom")
}
