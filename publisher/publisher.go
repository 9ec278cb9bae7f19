// Package publisher serializes assembled transaction batches and delivers
// them to the destination broker. Acknowledgment is returned to the caller
// only once the broker has durably accepted every event in the batch, so
// the position tracker never advances past undelivered changes.
package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/floodgate/common"
	"github.com/maxpert/floodgate/telemetry"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Default in-path publish attempts before the failure is handed to
	// the supervisor for connection-level recovery
	DefaultMaxAttempts = 10
)

// Config configures the publisher.
type Config struct {
	Sink              Sink
	Serializer        Serializer
	Filter            Filter
	TopicPrefix       string // e.g. "floodgate"
	StripSchemaPrefix bool   // drop "public." from topic names
	TombstoneOnDelete bool   // emit nil-value tombstone after delete events
	RetryInitial      time.Duration
	RetryMax          time.Duration
	RetryMultiplier   float64
	MaxAttempts       int
}

// Ack confirms a fully delivered batch. HighestLSN is the position safe to
// confirm: every event at or below it is durably in the broker.
type Ack struct {
	HighestLSN pglogrepl.LSN
	Published  int
	Filtered   int
}

// Publisher delivers transaction batches to a sink.
type Publisher struct {
	config Config
}

// New validates the config and creates a publisher.
func New(config Config) (*Publisher, error) {
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Serializer == nil {
		return nil, fmt.Errorf("serializer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}

	return &Publisher{config: config}, nil
}

// Publish serializes and delivers one committed transaction. Events keep
// their WAL order. The batch may be split by the sink for transport, but
// the Ack covers the whole batch or nothing. On broker failure the batch
// is retried with exponential backoff until it succeeds, attempts run out,
// or ctx is cancelled; it is never partially dropped.
//
// Publishing is idempotent from the caller's side only if the caller never
// re-publishes a batch whose Ack was already returned; the publisher
// itself does not deduplicate.
func (p *Publisher) Publish(ctx context.Context, batch common.TxnBatch) (Ack, error) {
	msgs := make([]Message, 0, len(batch.Events))
	delivered := make([]common.ChangeEvent, 0, len(batch.Events))
	filtered := 0

	for _, ev := range batch.Events {
		if !p.config.Filter.Match(ev.Schema, ev.Table) {
			filtered++
			telemetry.EventsFiltered.Inc()
			continue
		}

		data, err := p.config.Serializer.Serialize(ev)
		if err != nil {
			return Ack{}, &SerializationError{Table: ev.Table, cause: err}
		}

		topic := p.topicFor(ev.Schema, ev.Table)
		msgs = append(msgs, Message{Topic: topic, Key: ev.Key, Value: data})
		delivered = append(delivered, ev)

		if ev.Operation == common.OpDelete && p.config.TombstoneOnDelete {
			msgs = append(msgs, Message{Topic: topic, Key: ev.Key, Value: p.config.Serializer.Tombstone(ev.Key)})
		}
	}

	if len(msgs) > 0 {
		if err := p.publishWithRetry(ctx, msgs, batch.Xid); err != nil {
			return Ack{}, err
		}
		for _, ev := range delivered {
			telemetry.EventsPublished.With(ev.Table).Inc()
		}
	}

	// Published counts change events, not broker messages: tombstones
	// ride along with their delete and are not counted twice.
	return Ack{HighestLSN: batch.EndLSN, Published: len(delivered), Filtered: filtered}, nil
}

// publishWithRetry sends all messages with exponential backoff between
// failed attempts. Returns BrokerUnavailableError once attempts run out or
// ctx is cancelled mid-retry.
func (p *Publisher) publishWithRetry(ctx context.Context, msgs []Message, xid uint32) error {
	delay := p.config.RetryInitial
	attempts := 0

	for {
		start := time.Now()
		err := p.config.Sink.Publish(ctx, msgs)
		if err == nil {
			telemetry.PublishLatency.Observe(time.Since(start).Seconds())
			return nil
		}

		attempts++
		telemetry.PublishRetries.Inc()

		if ctx.Err() != nil {
			return &BrokerUnavailableError{Attempts: attempts, cause: err}
		}
		if attempts >= p.config.MaxAttempts {
			return &BrokerUnavailableError{Attempts: attempts, cause: err}
		}

		log.Warn().
			Err(err).
			Uint32("xid", xid).
			Int("messages", len(msgs)).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Publish failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &BrokerUnavailableError{Attempts: attempts, cause: err}
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * p.config.RetryMultiplier)
		if delay > p.config.RetryMax {
			delay = p.config.RetryMax
		}
	}
}

// topicFor builds the destination topic: one topic per source table.
func (p *Publisher) topicFor(schema, table string) string {
	name := schema + "." + table
	if p.config.StripSchemaPrefix && schema == "public" {
		name = table
	}
	if p.config.TopicPrefix == "" {
		return name
	}
	return p.config.TopicPrefix + "." + name
}

// Close releases the sink.
func (p *Publisher) Close() error {
	return p.config.Sink.Close()
}

// SanitizeStreamName converts a topic to a broker-safe stream name for
// sinks whose namespaces reject dots.
func SanitizeStreamName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}
