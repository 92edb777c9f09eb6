package errors

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrValidation         = errors.New("validation failed")
	ErrSchemaMissing      = errors.New("relation missing")
	ErrPolicyRecursion    = errors.New("policy recursion")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrSubscribeTimeout   = errors.New("subscribe timed out")
	ErrChannelClosed      = errors.New("channel closed")
)

// Class buckets backend failures by how the sync core reacts to them.
type Class int

const (
	// ClassFatal propagates to the caller as a hard failure.
	ClassFatal Class = iota
	// ClassDegradable is absorbed on read paths: empty result, no error.
	ClassDegradable
	// ClassAuthz is degradable on reads but must surface on writes.
	ClassAuthz
	// ClassValidation is rejected before any network call.
	ClassValidation
	// ClassUnavailable means the backend is unreachable; conversation
	// creation falls back to local-only identifiers.
	ClassUnavailable
)

// Postgres SQLSTATEs the backend produces when the schema is not yet
// deployed or row-level security rejects the caller.
const (
	sqlstateUndefinedTable        = "42P01"
	sqlstateInsufficientPrivilege = "42501"
	sqlstatePolicyRecursion       = "42P17"
	sqlstateUniqueViolation       = "23505"
)

// Classify maps any backend error into the taxonomy above. Unknown
// errors are fatal.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}

	switch {
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrPermissionDenied):
		return ClassAuthz
	case errors.Is(err, ErrSchemaMissing), errors.Is(err, ErrPolicyRecursion), errors.Is(err, ErrSubscribeTimeout):
		return ClassDegradable
	case errors.Is(err, ErrBackendUnavailable):
		return ClassUnavailable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateUndefinedTable, sqlstatePolicyRecursion:
			return ClassDegradable
		case sqlstateInsufficientPrivilege:
			return ClassAuthz
		}
		return ClassFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassUnavailable
	}

	return ClassFatal
}

func IsDegradable(err error) bool { return Classify(err) == ClassDegradable }
func IsAuthz(err error) bool      { return Classify(err) == ClassAuthz }
func IsValidation(err error) bool { return Classify(err) == ClassValidation }
func IsUnavailable(err error) bool {
	return Classify(err) == ClassUnavailable
}

// IsUniqueViolation reports whether err is a unique-constraint conflict,
// used to resolve concurrent direct-conversation creation races.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateUniqueViolation
}

// Validationf builds a synchronous rejection distinguishable from any
// backend error via errors.Is(err, ErrValidation).
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}
