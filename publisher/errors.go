package publisher

import "fmt"

// BrokerUnavailableError indicates the broker refused or timed out on a
// publish after the configured in-path retries. Transient: the supervisor
// recovers by reconnecting and replaying from the confirmed position, so
// the batch is never dropped.
type BrokerUnavailableError struct {
	Attempts int
	cause    error
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable after %d attempts: %v", e.Attempts, e.cause)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.cause }

// SerializationError indicates an event could not be rendered to the wire
// format. Fatal: retrying cannot fix a malformed event.
type SerializationError struct {
	Table string
	cause error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize event for table %s: %v", e.Table, e.cause)
}

func (e *SerializationError) Unwrap() error { return e.cause }
