package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTopic is returned by Subscribe for an empty topic.
	ErrEmptyTopic = errors.New("realtime: topic must not be empty")

	// ErrNilCallback is returned by Subscribe without a callback.
	ErrNilCallback = errors.New("realtime: callback must not be nil")
)

// SubscriptionOpenError reports that the physical stream for a topic could
// not be opened.
//
// Subscribe returns it alongside a valid *Subscription: the listener stays
// registered (un-fed) and is released normally. The source owns reconnection;
// the multiplexer retries the open only when another Subscribe arrives for
// the same topic.
type SubscriptionOpenError struct {
	Topic string
	Err   error
}

// Error implements the error interface.
func (e *SubscriptionOpenError) Error() string {
	return fmt.Sprintf("open topic %q: %v", e.Topic, e.Err)
}

// Unwrap returns the source error.
func (e *SubscriptionOpenError) Unwrap() error {
	return e.Err
}

// IsSubscriptionOpenError returns true if err is or wraps a
// SubscriptionOpenError.
func IsSubscriptionOpenError(err error) bool {
	var oe *SubscriptionOpenError
	return errors.As(err, &oe)
}
