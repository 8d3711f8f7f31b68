package optimistic

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMutationInFlight is returned when Mutate is called for an entity
	// that already has a mutation in flight. The call had no effect.
	ErrMutationInFlight = errors.New("optimistic: mutation already in flight")

	// ErrInvalidMutation is returned for an empty entity ID or a mutation
	// without Apply or Write.
	ErrInvalidMutation = errors.New("optimistic: invalid mutation")
)

// MutationRejectedError reports that the remote write failed or timed out.
// The entity has been rolled back; Previous is the restored value, for
// user-facing messaging.
type MutationRejectedError[V any] struct {
	EntityID   string
	MutationID string
	Previous   V
	Err        error
}

// Error implements the error interface.
func (e *MutationRejectedError[V]) Error() string {
	if e.Timeout() {
		return fmt.Sprintf("mutation %s on %s rejected: timed out", e.MutationID, e.EntityID)
	}
	return fmt.Sprintf("mutation %s on %s rejected: %v", e.MutationID, e.EntityID, e.Err)
}

// Unwrap returns the write error.
func (e *MutationRejectedError[V]) Unwrap() error {
	return e.Err
}

// Timeout reports whether the write was abandoned by the controller's
// timeout rather than failing on its own.
func (e *MutationRejectedError[V]) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func (e *MutationRejectedError[V]) mutationRejected() {}

// ReconciliationReadError reports that the write succeeded but the
// post-write refresh read failed. The optimistic value was kept.
type ReconciliationReadError struct {
	EntityID   string
	MutationID string
	Err        error
}

// Error implements the error interface.
func (e *ReconciliationReadError) Error() string {
	return fmt.Sprintf("mutation %s on %s applied but refresh failed: %v", e.MutationID, e.EntityID, e.Err)
}

// Unwrap returns the read error.
func (e *ReconciliationReadError) Unwrap() error {
	return e.Err
}

// IsMutationRejected returns true if err is or wraps a
// MutationRejectedError of any value type.
func IsMutationRejected(err error) bool {
	var r interface{ mutationRejected() }
	return errors.As(err, &r)
}

// IsReconciliationReadFailure returns true if err is or wraps a
// ReconciliationReadError.
func IsReconciliationReadFailure(err error) bool {
	var re *ReconciliationReadError
	return errors.As(err, &re)
}
