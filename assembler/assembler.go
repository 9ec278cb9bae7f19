// Package assembler buffers decoded row changes by transaction id and
// releases them downstream as an ordered unit only when the source
// transaction commits. Rolled-back transactions are discarded without a
// trace; that silence is the correctness mechanism, not a failure path.
package assembler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/floodgate/common"
	"github.com/maxpert/floodgate/telemetry"
	"github.com/maxpert/floodgate/wal"
)

// txnBuffer holds the pending changes of one open transaction. Never
// persisted: a crash before the commit record is observed drops the
// buffer, which is correct because the source transaction either never
// committed or will be replayed from the confirmed position.
type txnBuffer struct {
	xid      uint32
	startLSN pglogrepl.LSN
	commitTS int64
	opened   time.Time

	// mu guards events/subs/warned: the pipeline goroutine appends while
	// the admin surface reads counts through Stats.
	mu     sync.Mutex
	events []common.ChangeEvent
	// subs carries the owning subtransaction xid per event, 0 for changes
	// made directly by the top-level transaction.
	subs   []uint32
	warned bool
}

// Assembler consumes the raw record stream and emits committed
// transaction batches. Processing is single-threaded; the buffer map is
// concurrent and buffer contents are mutex-guarded so the admin surface
// can read stats while streaming.
type Assembler struct {
	buffers   *xsync.MapOf[uint32, *txnBuffer]
	relations map[uint32]*pglogrepl.RelationMessageV2

	// currentXid tracks the open non-streamed transaction. pgoutput
	// serializes non-streamed transactions, so only in-progress streamed
	// ones interleave; those carry their xid on every message.
	currentXid uint32

	// streamXid is the top-level xid of the open stream segment. Row
	// messages inside a segment may carry a subtransaction's xid; they
	// still belong to this transaction.
	streamXid uint32

	// maxBuffered is the documented soft ceiling on changes held across
	// all open buffers. Long-running source transactions can exceed it;
	// the assembler holds them anyway (bounded only by memory) and warns.
	maxBuffered int
	buffered    int
}

// BufferStat describes one open transaction buffer for the admin surface.
type BufferStat struct {
	Xid        uint32  `json:"xid"`
	Changes    int     `json:"changes"`
	AgeSeconds float64 `json:"age_seconds"`
}

// New creates an assembler with the configured change ceiling.
func New(maxBufferedChanges int) *Assembler {
	return &Assembler{
		buffers:     xsync.NewMapOf[uint32, *txnBuffer](),
		relations:   make(map[uint32]*pglogrepl.RelationMessageV2),
		maxBuffered: maxBufferedChanges,
	}
}

// Run consumes records until the input channel closes or ctx is
// cancelled. Committed batches are sent to out in commit order; a full out
// channel blocks the assembler and, through the bounded record channel,
// stalls the reader. Returns nil on clean input close, a ProtocolError on
// corrupted framing.
func (a *Assembler) Run(ctx context.Context, in <-chan wal.RawRecord, out chan<- common.TxnBatch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-in:
			if !ok {
				return nil
			}
			batch, err := a.process(rec)
			if err != nil {
				return err
			}
			if batch == nil {
				continue
			}
			select {
			case out <- *batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// process handles one raw record, returning a batch when it completes a
// transaction.
func (a *Assembler) process(rec wal.RawRecord) (*common.TxnBatch, error) {
	switch msg := rec.Message.(type) {
	case *pglogrepl.RelationMessageV2:
		a.relations[msg.RelationID] = msg

	case *pglogrepl.BeginMessage:
		a.currentXid = msg.Xid
		a.openBuffer(msg.Xid, rec.WALStart, msg.CommitTime.UnixMilli())

	case *pglogrepl.CommitMessage:
		return a.flush(a.currentXid, msg.CommitLSN, msg.TransactionEndLSN, msg.CommitTime.UnixMilli())

	case *pglogrepl.InsertMessageV2:
		rel, ok := a.relations[msg.RelationID]
		if !ok {
			return nil, unknownRelation("insert", msg.RelationID)
		}
		after, err := wal.DecodeTuple(msg.Tuple, rel)
		if err != nil {
			return nil, err
		}
		a.append(a.xidFor(msg.Xid), a.subXidFor(msg.Xid), common.ChangeEvent{
			Schema:    rel.Namespace,
			Table:     rel.RelationName,
			Operation: common.OpCreate,
			Key:       wal.KeyFromTuple(after, rel),
			After:     after,
			LSN:       rec.WALStart,
		})

	case *pglogrepl.UpdateMessageV2:
		rel, ok := a.relations[msg.RelationID]
		if !ok {
			return nil, unknownRelation("update", msg.RelationID)
		}
		before, err := wal.DecodeTuple(msg.OldTuple, rel)
		if err != nil {
			return nil, err
		}
		after, err := wal.DecodeTuple(msg.NewTuple, rel)
		if err != nil {
			return nil, err
		}
		a.append(a.xidFor(msg.Xid), a.subXidFor(msg.Xid), common.ChangeEvent{
			Schema:    rel.Namespace,
			Table:     rel.RelationName,
			Operation: common.OpUpdate,
			Key:       wal.KeyFromTuple(after, rel),
			Before:    before,
			After:     after,
			LSN:       rec.WALStart,
		})

	case *pglogrepl.DeleteMessageV2:
		rel, ok := a.relations[msg.RelationID]
		if !ok {
			return nil, unknownRelation("delete", msg.RelationID)
		}
		before, err := wal.DecodeTuple(msg.OldTuple, rel)
		if err != nil {
			return nil, err
		}
		a.append(a.xidFor(msg.Xid), a.subXidFor(msg.Xid), common.ChangeEvent{
			Schema:    rel.Namespace,
			Table:     rel.RelationName,
			Operation: common.OpDelete,
			Key:       wal.KeyFromTuple(before, rel),
			Before:    before,
			LSN:       rec.WALStart,
		})

	case *pglogrepl.StreamStartMessageV2:
		// Large in-progress transaction begins interleaving. Its xid is
		// the buffer key for every row message in this segment, even
		// those carrying a subtransaction's xid.
		a.streamXid = msg.Xid
		a.openBuffer(msg.Xid, rec.WALStart, 0)

	case *pglogrepl.StreamStopMessageV2:
		a.streamXid = 0

	case *pglogrepl.StreamCommitMessageV2:
		return a.flush(msg.Xid, msg.CommitLSN, msg.TransactionEndLSN, msg.CommitTime.UnixMilli())

	case *pglogrepl.StreamAbortMessageV2:
		// Rollback: discard silently. No downstream event may exist for
		// the aborted scope. SubXid equals Xid for a top-level abort;
		// otherwise only the subtransaction's changes roll back.
		if msg.SubXid != 0 && msg.SubXid != msg.Xid {
			a.discardSubtransaction(msg.Xid, msg.SubXid)
		} else {
			a.discard(msg.Xid)
		}

	case *pglogrepl.TruncateMessageV2:
		log.Debug().Uint32("xid", msg.Xid).Msg("Ignoring truncate message")

	case *pglogrepl.TypeMessageV2, *pglogrepl.OriginMessage, *pglogrepl.LogicalDecodingMessageV2:

	default:
		log.Warn().Type("message", msg).Msg("Unhandled logical replication message")
	}

	return nil, nil
}

// xidFor picks the owning top-level transaction for a row message. Inside
// a stream segment that is the segment's xid (row messages may carry a
// subtransaction's xid instead); serialized messages belong to the
// current transaction.
func (a *Assembler) xidFor(msgXid uint32) uint32 {
	if a.streamXid != 0 {
		return a.streamXid
	}
	if msgXid != 0 {
		return msgXid
	}
	return a.currentXid
}

// subXidFor reports the subtransaction a streamed row message belongs to,
// 0 when the change is the top-level transaction's own.
func (a *Assembler) subXidFor(msgXid uint32) uint32 {
	if a.streamXid != 0 && msgXid != 0 && msgXid != a.streamXid {
		return msgXid
	}
	return 0
}

func (a *Assembler) openBuffer(xid uint32, startLSN pglogrepl.LSN, commitTS int64) {
	if _, ok := a.buffers.Load(xid); ok {
		return
	}
	a.buffers.Store(xid, &txnBuffer{
		xid:      xid,
		startLSN: startLSN,
		commitTS: commitTS,
		opened:   time.Now(),
	})
	telemetry.OpenTxnBuffers.Set(float64(a.buffers.Size()))
	a.updateOldestAge()
}

func (a *Assembler) append(xid, subXid uint32, ev common.ChangeEvent) {
	buf, ok := a.buffers.Load(xid)
	if !ok {
		// Row change for a transaction whose begin we never saw; open a
		// buffer keyed on its xid so interleaving cannot drop changes.
		a.openBuffer(xid, ev.LSN, 0)
		buf, _ = a.buffers.Load(xid)
	}

	a.buffered++
	warn := a.buffered > a.maxBuffered

	buf.mu.Lock()
	ev.Xid = xid
	ev.CommitTS = buf.commitTS
	buf.events = append(buf.events, ev)
	buf.subs = append(buf.subs, subXid)
	warn = warn && !buf.warned
	if warn {
		buf.warned = true
	}
	buf.mu.Unlock()

	telemetry.BufferedChanges.Set(float64(a.buffered))
	if warn {
		log.Warn().
			Uint32("xid", xid).
			Int("buffered", a.buffered).
			Int("ceiling", a.maxBuffered).
			Msg("Buffered changes exceed configured ceiling; long-running source transaction?")
	}
}

// flush releases a committed transaction's buffer downstream. Events keep
// original WAL order; transactions flush in commit order because pgoutput
// delivers commit records in commit order.
func (a *Assembler) flush(xid uint32, commitLSN, endLSN pglogrepl.LSN, commitTS int64) (*common.TxnBatch, error) {
	buf, ok := a.buffers.LoadAndDelete(xid)
	if !ok {
		return nil, nil
	}

	buf.mu.Lock()
	events := buf.events
	for i := range events {
		events[i].CommitTS = commitTS
	}
	buf.events, buf.subs = nil, nil
	buf.mu.Unlock()

	a.buffered -= len(events)
	telemetry.OpenTxnBuffers.Set(float64(a.buffers.Size()))
	telemetry.BufferedChanges.Set(float64(a.buffered))
	telemetry.TxnsCommitted.Inc()
	a.updateOldestAge()

	if len(events) == 0 {
		// Every change was filtered by the publication; nothing to publish.
		return nil, nil
	}

	return &common.TxnBatch{
		Xid:       xid,
		CommitLSN: commitLSN,
		EndLSN:    endLSN,
		CommitTS:  commitTS,
		Events:    events,
	}, nil
}

func (a *Assembler) discard(xid uint32) {
	buf, ok := a.buffers.LoadAndDelete(xid)
	if !ok {
		return
	}

	buf.mu.Lock()
	dropped := len(buf.events)
	buf.events, buf.subs = nil, nil
	buf.mu.Unlock()

	a.buffered -= dropped
	telemetry.OpenTxnBuffers.Set(float64(a.buffers.Size()))
	telemetry.BufferedChanges.Set(float64(a.buffered))
	telemetry.TxnsRolledBack.Inc()
	a.updateOldestAge()
	log.Debug().Uint32("xid", xid).Int("changes", dropped).Msg("Discarded rolled-back transaction")
}

// discardSubtransaction drops only the changes a rolled-back
// subtransaction contributed to its top-level transaction's buffer.
func (a *Assembler) discardSubtransaction(xid, subXid uint32) {
	buf, ok := a.buffers.Load(xid)
	if !ok {
		return
	}

	buf.mu.Lock()
	kept := buf.events[:0]
	keptSubs := buf.subs[:0]
	for i, ev := range buf.events {
		if buf.subs[i] == subXid {
			continue
		}
		kept = append(kept, ev)
		keptSubs = append(keptSubs, buf.subs[i])
	}
	dropped := len(buf.events) - len(kept)
	buf.events, buf.subs = kept, keptSubs
	buf.mu.Unlock()

	a.buffered -= dropped
	telemetry.BufferedChanges.Set(float64(a.buffered))
	telemetry.TxnsRolledBack.Inc()
	log.Debug().
		Uint32("xid", xid).
		Uint32("sub_xid", subXid).
		Int("changes", dropped).
		Msg("Discarded rolled-back subtransaction")
}

func (a *Assembler) updateOldestAge() {
	oldest := time.Time{}
	a.buffers.Range(func(_ uint32, buf *txnBuffer) bool {
		if oldest.IsZero() || buf.opened.Before(oldest) {
			oldest = buf.opened
		}
		return true
	})
	if oldest.IsZero() {
		telemetry.OldestTxnBufferAge.Set(0)
	} else {
		telemetry.OldestTxnBufferAge.Set(time.Since(oldest).Seconds())
	}
}

// Stats reports open buffers for the admin surface. Safe to call while
// Run is streaming.
func (a *Assembler) Stats() []BufferStat {
	stats := make([]BufferStat, 0, a.buffers.Size())
	a.buffers.Range(func(xid uint32, buf *txnBuffer) bool {
		buf.mu.Lock()
		changes := len(buf.events)
		buf.mu.Unlock()
		stats = append(stats, BufferStat{
			Xid:        xid,
			Changes:    changes,
			AgeSeconds: time.Since(buf.opened).Seconds(),
		})
		return true
	})
	return stats
}

// unknownRelation is a protocol-level failure: a row change referenced a
// relation the stream never described.
func unknownRelation(action string, id uint32) error {
	return &wal.ProtocolError{
		Detail: fmt.Sprintf("%s references unknown relation id %d", action, id),
	}
}
