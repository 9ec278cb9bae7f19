// Package wal opens a logical replication stream against the source
// Postgres and decodes the pgoutput wire format into raw change records.
// The reader owns the replication slot while attached; the slot pins WAL
// retention at the confirmed position, so exactly one reader may hold it.
package wal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/floodgate/cfg"
	"github.com/maxpert/floodgate/telemetry"
)

const outputPlugin = "pgoutput"

// RawRecord is one decoded logical replication message with its WAL
// position. Message is one of the pglogrepl V2 message types; the
// assembler performs the type switch.
type RawRecord struct {
	WALStart     pglogrepl.LSN
	ServerWALEnd pglogrepl.LSN
	Message      pglogrepl.Message
}

// Reader tails the source WAL from a confirmed position and emits
// RawRecords on a bounded channel. A slow consumer blocks the reader,
// which is the intended backpressure path.
type Reader struct {
	source  cfg.SourceConfiguration
	records chan RawRecord

	receiveTimeout time.Duration
	standbyEvery   time.Duration

	// confirmed supplies the flush position reported in standby status
	// updates. Only positions the broker has durably accepted are
	// reported, so the source never reclaims unconfirmed WAL.
	confirmed func() pglogrepl.LSN

	conn     *pgconn.PgConn
	startPos pglogrepl.LSN
	inStream bool
}

// NewReader creates a reader. confirmed is consulted on every standby
// status update and must be safe for concurrent use.
func NewReader(source cfg.SourceConfiguration, pipeline cfg.PipelineConfiguration, confirmed func() pglogrepl.LSN) *Reader {
	return &Reader{
		source:         source,
		records:        make(chan RawRecord, pipeline.RecordQueueSize),
		receiveTimeout: time.Duration(pipeline.ReceiveTimeoutMS) * time.Millisecond,
		standbyEvery:   time.Duration(pipeline.StandbyUpdateIntervalMS) * time.Millisecond,
		confirmed:      confirmed,
	}
}

// Records returns the output channel. It is closed when Run returns.
func (r *Reader) Records() <-chan RawRecord {
	return r.records
}

// Open connects to the source and starts replication at startPos. A zero
// startPos streams from the slot's own confirmed position. Errors are
// classified per the stream taxonomy: AuthError, ConnError,
// PositionUnavailableError.
func (r *Reader) Open(ctx context.Context, startPos pglogrepl.LSN) error {
	conn, err := pgconn.Connect(ctx, r.source.DSN())
	if err != nil {
		return classifyStreamError(err, r.source.SlotName, startPos, r.source.User)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		conn.Close(ctx)
		return classifyStreamError(err, r.source.SlotName, startPos, r.source.User)
	}

	log.Info().
		Str("system_id", sysident.SystemID).
		Stringer("xlogpos", sysident.XLogPos).
		Str("slot", r.source.SlotName).
		Stringer("start_pos", startPos).
		Msg("Identified source system")

	pluginArgs := []string{
		"proto_version '2'",
		"publication_names '" + r.source.PublicationName + "'",
		"messages 'true'",
		"streaming 'true'",
	}

	err = pglogrepl.StartReplication(ctx, conn, r.source.SlotName, startPos, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
		Mode:       pglogrepl.LogicalReplication,
	})
	if err != nil {
		conn.Close(ctx)
		return classifyStreamError(err, r.source.SlotName, startPos, r.source.User)
	}

	r.conn = conn
	r.startPos = startPos
	r.inStream = false

	log.Info().Str("slot", r.source.SlotName).Msg("Replication stream started")
	return nil
}

// Run receives replication messages until ctx is cancelled or the stream
// fails. A timeout waiting for new WAL bytes is NOT a failure: the stream
// is simply empty and the reader keeps waiting. Returns ctx.Err() on
// cancellation, a classified stream error otherwise. The records channel
// is closed on return.
func (r *Reader) Run(ctx context.Context) error {
	defer close(r.records)

	if r.conn == nil {
		return &ProtocolError{Detail: "Run called before Open"}
	}

	lastStatus := time.Time{}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Periodic standby status update keeps the connection alive and
		// advances the slot's confirmed position for WAL retention.
		if time.Since(lastStatus) >= r.standbyEvery {
			if err := r.sendStandbyStatus(ctx); err != nil {
				return classifyStreamError(err, r.source.SlotName, r.startPos, r.source.User)
			}
			lastStatus = time.Now()
		}

		deadline := lastStatus.Add(r.standbyEvery)
		if next := time.Now().Add(r.receiveTimeout); next.Before(deadline) {
			deadline = next
		}
		receiveCtx, cancel := context.WithDeadline(ctx, deadline)
		rawMsg, err := r.conn.ReceiveMessage(receiveCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				// Stream temporarily empty - keep waiting.
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classifyStreamError(err, r.source.SlotName, r.startPos, r.source.User)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return classifyStreamError(pgErrorFromResponse(errMsg), r.source.SlotName, r.startPos, r.source.User)
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			return &ProtocolError{Detail: fmt.Sprintf("unexpected backend message %T", rawMsg)}
		}

		tag, err := copyDataTag(msg.Data)
		if err != nil {
			return err
		}

		switch tag {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return &ProtocolError{Detail: "parse primary keepalive", cause: err}
			}
			telemetry.WALKeepalivesReceived.Inc()
			telemetry.WALReceiveLSN.Set(float64(pkm.ServerWALEnd))
			if pkm.ReplyRequested {
				if err := r.sendStandbyStatus(ctx); err != nil {
					return classifyStreamError(err, r.source.SlotName, r.startPos, r.source.User)
				}
				lastStatus = time.Now()
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return &ProtocolError{Detail: "parse xlog data", cause: err}
			}

			logicalMsg, err := pglogrepl.ParseV2(xld.WALData, r.inStream)
			if err != nil {
				return &ProtocolError{Detail: "parse logical message", cause: err}
			}

			switch logicalMsg.(type) {
			case *pglogrepl.StreamStartMessageV2:
				r.inStream = true
			case *pglogrepl.StreamStopMessageV2:
				r.inStream = false
			}

			telemetry.WALRecordsReceived.Inc()
			telemetry.WALReceiveLSN.Set(float64(xld.ServerWALEnd))

			rec := RawRecord{
				WALStart:     xld.WALStart,
				ServerWALEnd: xld.ServerWALEnd,
				Message:      logicalMsg,
			}

			select {
			case r.records <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}

		default:
			return &ProtocolError{Detail: fmt.Sprintf("unknown copy data tag %q", tag)}
		}
	}
}

// copyDataTag extracts the message tag from a CopyData payload. A zero
// length payload is malformed framing, not a crash.
func copyDataTag(data []byte) (byte, error) {
	if len(data) == 0 {
		return 0, &ProtocolError{Detail: "empty copy data payload"}
	}
	return data[0], nil
}

// sendStandbyStatus reports the confirmed position as both written and
// flushed. The source is then free to reclaim WAL below it.
func (r *Reader) sendStandbyStatus(ctx context.Context) error {
	pos := r.confirmed()
	if pos == 0 {
		pos = r.startPos
	}
	return pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pos,
		WALFlushPosition: pos,
		WALApplyPosition: pos,
	})
}

// Close tears down the replication connection, detaching from the slot so
// another reader (or a restart) can attach.
func (r *Reader) Close(ctx context.Context) {
	if r.conn == nil {
		return
	}
	if err := r.conn.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to close replication connection")
	}
	r.conn = nil
}

// pgErrorFromResponse converts a wire-level ErrorResponse into a PgError
// so classification sees SQLSTATE codes.
func pgErrorFromResponse(resp *pgproto3.ErrorResponse) error {
	return &pgconn.PgError{
		Severity: resp.Severity,
		Code:     resp.Code,
		Message:  resp.Message,
		Detail:   resp.Detail,
	}
}
