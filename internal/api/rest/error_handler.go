package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/telemetry"
)

// ErrorBody is the JSON error envelope returned by every endpoint
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// classifyError maps any handler error onto a status code and error body.
func classifyError(err error) (int, ErrorDetail) {
	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		status := appErr.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return status, ErrorDetail{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	}

	var contractErr *ContractError
	if errors.As(err, &contractErr) {
		return http.StatusBadRequest, ErrorDetail{
			Code:    "CONTRACT_VIOLATION",
			Message: "request does not match the API contract",
			Details: map[string]interface{}{"reason": contractErr.Reason},
		}
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		fields := make(map[string]interface{}, len(validationErrs))
		for _, fe := range validationErrs {
			fields[fe.Field()] = fe.Tag()
		}
		return http.StatusBadRequest, ErrorDetail{
			Code:    "VALIDATION_FAILED",
			Message: "request validation failed",
			Details: fields,
		}
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return http.StatusBadRequest, ErrorDetail{
			Code:    "INVALID_JSON",
			Message: "invalid JSON syntax",
			Details: map[string]interface{}{"offset": syntaxErr.Offset},
		}
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return http.StatusBadRequest, ErrorDetail{
			Code:    "TYPE_MISMATCH",
			Message: fmt.Sprintf("invalid type for field '%s'", typeErr.Field),
		}
	}

	var sizeErr *http.MaxBytesError
	if errors.As(err, &sizeErr) {
		return http.StatusRequestEntityTooLarge, ErrorDetail{
			Code:    "BODY_TOO_LARGE",
			Message: fmt.Sprintf("request body exceeds %d bytes", sizeErr.Limit),
		}
	}

	// encoding/json reports DisallowUnknownFields violations as a plain error
	if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return http.StatusBadRequest, ErrorDetail{
			Code:    "UNKNOWN_FIELD",
			Message: "request body contains an unknown field",
			Details: map[string]interface{}{"field": strings.Trim(field, `"`)},
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return http.StatusBadRequest, ErrorDetail{Code: "INVALID_JSON", Message: "request body is empty or truncated"}
	}

	if errors.Is(err, context.Canceled) {
		return http.StatusRequestTimeout, ErrorDetail{Code: "REQUEST_CANCELED", Message: "request was canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrorDetail{Code: "REQUEST_TIMEOUT", Message: "request timed out"}
	}

	return http.StatusInternalServerError, ErrorDetail{
		Code:    domainErrors.CodeInternal,
		Message: "an internal error occurred",
	}
}

// writeError renders err and logs server-side failures.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status, body := classifyError(err)

	if status >= http.StatusInternalServerError {
		telemetry.WithTrace(r.Context(), logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.String("code", body.Code),
			zap.Error(err))
		trace.SpanFromContext(r.Context()).RecordError(err)
	}

	if domainErrors.IsRetryable(err) && status != http.StatusConflict {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorBody{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
