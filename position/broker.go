package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Store persists connector bookkeeping on the broker side. The offsets
// record written here is the authority for resume after the local cache
// is lost.
type Store interface {
	WriteOffset(ctx context.Context, pos pglogrepl.LSN) error
	// WriteOffsetAsync fires the offset write without blocking the
	// publish path; the returned future's Get reports the write error.
	WriteOffsetAsync(pos pglogrepl.LSN) *future.Future[error]
	ReadLatestOffset(ctx context.Context) (pglogrepl.LSN, bool, error)
	WriteStatus(ctx context.Context, state string, detail string) error
	WriteConfig(ctx context.Context, snapshot any) error
	Close() error
}

// OffsetRecord is the JSON payload on the offsets control topic, keyed by
// connector name so the topic can be shared and compacted.
type OffsetRecord struct {
	Connector string `json:"connector"`
	LSN       string `json:"lsn"`
	UpdatedMs int64  `json:"ts_ms"`
}

// StatusRecord is the JSON payload on the status control topic.
type StatusRecord struct {
	Connector string `json:"connector"`
	State     string `json:"state"`
	Detail    string `json:"detail,omitempty"`
	UpdatedMs int64  `json:"ts_ms"`
}

// KafkaStore keeps connector bookkeeping on three single-partition control
// topics ({prefix}.offsets, {prefix}.status, {prefix}.configs).
type KafkaStore struct {
	connector string
	broker    string

	offsets *kafka.Writer
	status  *kafka.Writer
	configs *kafka.Writer

	offsetsTopic string
}

// NewKafkaStore builds a control-topic store against the first broker of
// the sink's broker list.
func NewKafkaStore(brokers []string, topicPrefix, connector string) *KafkaStore {
	writer := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Async:                  false,
			AllowAutoTopicCreation: true,
		}
	}

	return &KafkaStore{
		connector:    connector,
		broker:       brokers[0],
		offsets:      writer(topicPrefix + ".offsets"),
		status:       writer(topicPrefix + ".status"),
		configs:      writer(topicPrefix + ".configs"),
		offsetsTopic: topicPrefix + ".offsets",
	}
}

func (s *KafkaStore) WriteOffset(ctx context.Context, pos pglogrepl.LSN) error {
	rec := OffsetRecord{
		Connector: s.connector,
		LSN:       pos.String(),
		UpdatedMs: time.Now().UnixMilli(),
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.offsets.WriteMessages(ctx, kafka.Message{
		Key:   []byte(s.connector),
		Value: val,
	})
}

func (s *KafkaStore) WriteOffsetAsync(pos pglogrepl.LSN) *future.Future[error] {
	p := future.NewPromise[error]()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := s.WriteOffset(ctx, pos)
		if err != nil {
			log.Warn().Err(err).Stringer("position", pos).Msg("Offset record write failed")
		}
		p.Set(nil, err)
	}()

	return p.Future()
}

// ReadLatestOffset scans backwards from the tail of the offsets topic for
// the newest record belonging to this connector.
func (s *KafkaStore) ReadLatestOffset(ctx context.Context) (pglogrepl.LSN, bool, error) {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second}

	conn, err := dialer.DialLeader(ctx, "tcp", s.broker, s.offsetsTopic, 0)
	if err != nil {
		if isUnknownTopic(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to dial offsets topic: %w", err)
	}
	defer conn.Close()

	first, err := conn.ReadFirstOffset()
	if err != nil {
		return 0, false, err
	}
	last, err := conn.ReadLastOffset()
	if err != nil {
		return 0, false, err
	}
	if last <= first {
		return 0, false, nil
	}

	for off := last - 1; off >= first; off-- {
		if _, err := conn.Seek(off, kafka.SeekAbsolute); err != nil {
			return 0, false, err
		}

		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		msg, err := conn.ReadMessage(1 << 20)
		if err != nil {
			return 0, false, err
		}

		var rec OffsetRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			log.Warn().Err(err).Int64("offset", off).Msg("Skipping unreadable offset record")
			continue
		}
		if rec.Connector != s.connector {
			continue
		}

		lsn, err := pglogrepl.ParseLSN(rec.LSN)
		if err != nil {
			return 0, false, fmt.Errorf("invalid position in offset record: %w", err)
		}
		return lsn, true, nil
	}

	return 0, false, nil
}

func (s *KafkaStore) WriteStatus(ctx context.Context, state string, detail string) error {
	rec := StatusRecord{
		Connector: s.connector,
		State:     state,
		Detail:    detail,
		UpdatedMs: time.Now().UnixMilli(),
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.status.WriteMessages(ctx, kafka.Message{
		Key:   []byte(s.connector),
		Value: val,
	})
}

func (s *KafkaStore) WriteConfig(ctx context.Context, snapshot any) error {
	val, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return s.configs.WriteMessages(ctx, kafka.Message{
		Key:   []byte(s.connector),
		Value: val,
	})
}

func (s *KafkaStore) Close() error {
	var firstErr error
	for _, w := range []*kafka.Writer{s.offsets, s.status, s.configs} {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isUnknownTopic(err error) bool {
	var kerr kafka.Error
	return errors.As(err, &kerr) && kerr == kafka.UnknownTopicOrPartition
}

// NoopStore satisfies Store for sinks without a control-topic convention.
// Resume then falls back entirely on the local position cache.
type NoopStore struct{}

func (NoopStore) WriteOffset(context.Context, pglogrepl.LSN) error { return nil }
func (NoopStore) WriteOffsetAsync(pglogrepl.LSN) *future.Future[error] {
	p := future.NewPromise[error]()
	p.Set(nil, nil)
	return p.Future()
}

var _ Store = (*KafkaStore)(nil)
var _ Store = NoopStore{}
func (NoopStore) ReadLatestOffset(context.Context) (pglogrepl.LSN, bool, error) {
	return 0, false, nil
}
func (NoopStore) WriteStatus(context.Context, string, string) error { return nil }
func (NoopStore) WriteConfig(context.Context, any) error            { return nil }
func (NoopStore) Close() error                                      { return nil }
