package publisher

import (
	"context"

	"github.com/maxpert/floodgate/common"
)

// Message is one serialized event bound for a broker topic.
type Message struct {
	Topic string
	Key   string
	Value []byte // nil value = tombstone (delete marker)
}

// Sink is a destination broker client. Publish returns only once every
// message in the call is durably accepted by the broker; broker-side
// durability (replication, fsync policy) is delegated, not re-verified.
type Sink interface {
	Publish(ctx context.Context, msgs []Message) error
	Close() error
}

// Serializer converts change events to the sink wire format.
type Serializer interface {
	// Serialize converts one event to bytes for publishing.
	Serialize(event common.ChangeEvent) ([]byte, error)
	// Tombstone creates a delete marker payload for the given key.
	Tombstone(key string) []byte
}

// Filter determines whether a change event should be published.
type Filter interface {
	// Match returns true if the table's events should be published.
	Match(schema, table string) bool
}
