package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/floodgate/cfg"
	"github.com/maxpert/floodgate/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream

	// ensured caches stream names already created this session.
	ensured map[string]bool
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, ensured: make(map[string]bool)}, nil
}

// Publish sends the batch to JetStream. Each PublishMsg waits for the
// stream's ack, so a nil return means every message is durable; a failure
// mid-batch leaves a prefix published, which the at-least-once replay
// contract tolerates.
func (n *NatsSink) Publish(ctx context.Context, msgs []publisher.Message) error {
	for _, m := range msgs {
		if err := n.publishOne(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (n *NatsSink) publishOne(ctx context.Context, m publisher.Message) error {
	// Stream names can't contain "." so the topic is sanitized
	streamName := publisher.SanitizeStreamName(m.Topic)
	if !n.ensured[streamName] {
		_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{m.Topic},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
		}
		n.ensured[streamName] = true
	}

	msg := &nats.Msg{
		Subject: m.Topic,
		Data:    m.Value,
		Header:  nats.Header{"key": []string{m.Key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", m.Topic, err)
	}
	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}
