package rest

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"go.uber.org/zap"
)

//go:embed openapi.yaml
var openAPISpec []byte

// ContractError reports a request that does not satisfy the OpenAPI document
type ContractError struct {
	Reason string
	Err    error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("contract violation: %s", e.Reason)
}

func (e *ContractError) Unwrap() error {
	return e.Err
}

// ContractValidator validates requests against the embedded OpenAPI document
type ContractValidator struct {
	doc    *openapi3.T
	router routers.Router
}

func NewContractValidator() (*ContractValidator, error) {
	return NewContractValidatorFromData(openAPISpec)
}

func NewContractValidatorFromData(spec []byte) (*ContractValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	// Match on path only, whatever host the service is reached through.
	doc.Servers = nil
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	return &ContractValidator{doc: doc, router: router}, nil
}

// ValidateRequest checks path, query and body. Authentication is enforced
// separately by AuthMiddleware. Routes the document does not describe
// return routers.ErrPathNotFound or routers.ErrMethodNotAllowed.
func (cv *ContractValidator) ValidateRequest(req *http.Request) error {
	route, pathParams, err := cv.router.FindRoute(req)
	if err != nil {
		return err
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    req,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			MultiError:         false,
		},
	}
	if err := openapi3filter.ValidateRequest(req.Context(), input); err != nil {
		return &ContractError{Reason: contractReason(err), Err: err}
	}
	return nil
}

// Middleware rejects requests that violate the contract. Unknown routes pass
// through so the router can answer them.
func (cv *ContractValidator) Middleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := cv.ValidateRequest(r)
			switch {
			case err == nil,
				errors.Is(err, routers.ErrPathNotFound),
				errors.Is(err, routers.ErrMethodNotAllowed):
				next.ServeHTTP(w, r)
			default:
				writeError(w, r, logger, err)
			}
		})
	}
}

func contractReason(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil {
			return fmt.Sprintf("parameter %q: %s", reqErr.Parameter.Name, reqErr.Reason)
		}
		if reqErr.RequestBody != nil {
			return "request body: " + firstLine(reqErr.Err)
		}
		return reqErr.Reason
	}
	return err.Error()
}

func firstLine(err error) string {
	if err == nil {
		return "invalid"
	}
	line, _, _ := strings.Cut(err.Error(), "\n")
	return line
}
