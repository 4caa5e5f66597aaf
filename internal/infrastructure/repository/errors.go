package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
)

// Common repository errors
var (
	ErrNotFound         = errors.New("entity not found")
	ErrDuplicateKey     = errors.New("duplicate key violation")
	ErrForeignKey       = errors.New("foreign key violation")
	ErrCheckViolation   = errors.New("check constraint violation")
	ErrConnectionClosed = errors.New("database connection closed")
)

// PostgreSQL error codes
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsForeignKeyViolation checks if the error is a foreign key constraint violation
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	if pgCode(err) == pgForeignKeyViolation {
		return true
	}

	// Fallback to string matching for wrapped errors
	return strings.Contains(err.Error(), "violates foreign key constraint")
}

// IsDuplicateKeyViolation checks if the error is a unique constraint violation
func IsDuplicateKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	if pgCode(err) == pgUniqueViolation {
		return true
	}

	// Fallback to string matching for wrapped errors
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "violates unique constraint")
}

// IsCheckViolation checks if the error is a check constraint violation
func IsCheckViolation(err error) bool {
	return err != nil && pgCode(err) == pgCheckViolation
}

// IsSerializationFailure reports errors PostgreSQL asks clients to retry.
func IsSerializationFailure(err error) bool {
	code := pgCode(err)
	return code == pgSerializationFailure || code == pgDeadlockDetected
}

// IsNotFound checks if the error indicates a record was not found
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}

// IsConnectionError checks if the error is related to database connectivity
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrConnectionClosed) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "no connection to the server")
}

// WrapRepositoryError maps database errors onto the domain taxonomy.
func WrapRepositoryError(err error, operation, resource string) error {
	if err == nil {
		return nil
	}

	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case IsNotFound(err):
		return domainErrors.NewNotFoundError(resource).WithCause(err)
	case IsSerializationFailure(err):
		return domainErrors.NewVersionConflictError(resource).WithCause(err)
	case IsDuplicateKeyViolation(err):
		return domainErrors.NewValidationError("DUPLICATE_KEY", resource+" already exists").WithCause(ErrDuplicateKey)
	case IsForeignKeyViolation(err):
		return domainErrors.NewNotFoundError(resource + " reference").WithCause(ErrForeignKey)
	case IsCheckViolation(err):
		return domainErrors.NewValidationError("CONSTRAINT_VIOLATION", resource+" violates a table constraint").WithCause(fmt.Errorf("%w: %w", ErrCheckViolation, err))
	case IsConnectionError(err):
		return domainErrors.NewExternalError("postgres", operation+" failed").WithCause(err)
	}

	return domainErrors.NewInternalError(operation + " failed").WithCause(err)
}
