package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Service  BiddingService
	Live     LiveFeed
	Auth     *AuthMiddleware
	Contract *ContractValidator
	Metrics  *HTTPMetrics
	CORS     *CORSMiddleware
	Health   []HealthChecker
	Logger   *zap.Logger
}

// NewRouter builds the API router. Contract validation, metrics and CORS are
// optional; authentication is required for writes.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewHTTPMetrics(prometheus.NewRegistry())
	}

	handler := NewHandler(cfg.Service, cfg.Live, logger)
	router := mux.NewRouter()
	router.Use(
		recoveryMiddleware(logger),
		tracingMiddleware(otel.Tracer("api.rest")),
		cfg.Metrics.Middleware,
		loggingMiddleware(logger),
	)

	router.Handle("/healthz", healthHandler(2*time.Second, cfg.Health...)).Methods(http.MethodGet)
	router.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	if cfg.Contract != nil {
		api.Use(cfg.Contract.Middleware(logger))
	}

	api.HandleFunc("/auctions/{auctionID}", handler.GetAuction).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{auctionID}/bids", handler.ListBids).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{auctionID}/live", handler.Live).Methods(http.MethodGet)

	secured := api.NewRoute().Subrouter()
	if cfg.Auth != nil {
		secured.Use(cfg.Auth.Middleware)
	}
	secured.HandleFunc("/auctions/{auctionID}/bids", handler.PlaceBid).Methods(http.MethodPost)
	secured.HandleFunc("/auctions/{auctionID}/cancel", handler.CancelAuction).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{Code: "ROUTE_NOT_FOUND", Message: "route not found"}})
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorBody{Error: ErrorDetail{Code: "METHOD_NOT_ALLOWED", Message: "method not allowed"}})
	})

	if cfg.CORS != nil {
		return cfg.CORS.Handler(router)
	}
	return router
}
