package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
)

type contextKey string

const contextKeyBidderID contextKey = "bidder_id"

// AuthConfig holds bidder token settings
type AuthConfig struct {
	JWTSecret []byte
	Issuer    string
	Leeway    time.Duration
}

// AuthMiddleware authenticates bidders with HS256 JWTs. The bidder ID is
// the token subject.
type AuthMiddleware struct {
	config AuthConfig
	tracer trace.Tracer
}

func NewAuthMiddleware(config AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{
		config: config,
		tracer: otel.Tracer("api.rest.auth"),
	}
}

func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := a.tracer.Start(r.Context(), "auth.middleware")
		defer span.End()

		token, err := extractToken(r)
		if err != nil {
			span.RecordError(err)
			writeUnauthorized(w, "invalid authorization header")
			return
		}

		bidderID, err := a.validateToken(token)
		if err != nil {
			span.RecordError(err)
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		span.SetAttributes(attribute.String("bidder.id", bidderID.String()))
		ctx = context.WithValue(ctx, contextKeyBidderID, bidderID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GenerateToken signs a bidder token valid for ttl.
func (a *AuthMiddleware) GenerateToken(bidderID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.config.Issuer,
		Subject:   bidderID.String(),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.config.JWTSecret)
}

func (a *AuthMiddleware) validateToken(tokenString string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.config.Leeway),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.config.JWTSecret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, err
	}
	if !token.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	bidderID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subject: %w", err)
	}
	return bidderID, nil
}

func extractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		cookie, err := r.Cookie("access_token")
		if err != nil {
			return "", errors.New("no authorization token provided")
		}
		return cookie.Value, nil
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// BidderFromContext returns the authenticated bidder
func BidderFromContext(ctx context.Context) (uuid.UUID, error) {
	id, ok := ctx.Value(contextKeyBidderID).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, domainErrors.NewUnauthorizedError("bidder is not authenticated")
	}
	return id, nil
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: ErrorDetail{
		Code:    domainErrors.CodeUnauthorized,
		Message: message,
	}})
}
