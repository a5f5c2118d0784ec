package app

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/store"
	"github.com/sosmoto/sosmoto-service/pkg/mailer"
	"github.com/sosmoto/sosmoto-service/pkg/mercadopago"
)

// IsRetryableError reports whether err is worth another attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return isRetryableProviderError(err) ||
		mailer.Retryable(err) ||
		isRetryableNetworkError(err) ||
		isRetryableSystemError(err) ||
		isRetryableDatabaseError(err) ||
		isRetryableStoreError(err)
}

// classify wraps err with the kind the job runner acts on. Errors that are
// already kinded keep their kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var kinded *domain.Error
	if errors.As(err, &kinded) {
		return err
	}
	if IsRetryableError(err) {
		return domain.Transient(op, err)
	}

	var apiErr *mercadopago.APIError
	if errors.As(err, &apiErr) {
		return domain.Invalid(op, err)
	}
	if isPermanentEmailError(err) {
		return domain.Invalid(op, err)
	}
	return err
}

func isRetryableProviderError(err error) bool {
	var apiErr *mercadopago.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Retryable()
}

func isPermanentEmailError(err error) bool {
	var apiErr interface{ ErrorCode() string }
	return errors.As(err, &apiErr) && !mailer.Retryable(err)
}

func isRetryableNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}
	return false
}

func isRetryableSystemError(err error) bool {
	// Connection Refused / Reset
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE)
}

func isRetryableDatabaseError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"53300", // too_many_connections
		"57P01": // admin_shutdown
		return true
	}
	// class 08: connection exceptions
	return strings.HasPrefix(pgErr.Code, "08")
}

func isRetryableStoreError(err error) bool {
	return errors.Is(err, store.ErrConcurrentUpdate) || errors.Is(err, store.ErrPaymentNotFound)
}
