package domain

import (
	"errors"
	"fmt"
)

var (
	ErrApplicationNotFound = errors.New("application not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrTemporary           = errors.New("temporary failure")
	ErrIndexNotInitialized = errors.New("knowledge index not initialized")
	ErrIllegalTransition   = errors.New("illegal stage transition")

	// ErrDependencyUnavailable marks an outbound dependency that is refusing
	// calls entirely (open circuit), as opposed to a single failed call.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
