package assembler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/floodgate/common"
	"github.com/maxpert/floodgate/wal"
)

const customersRelID = 16384

func customersRelation() *pglogrepl.RelationMessageV2 {
	return &pglogrepl.RelationMessageV2{
		RelationMessage: pglogrepl.RelationMessage{
			RelationID:   customersRelID,
			Namespace:    "public",
			RelationName: "customers",
			Columns: []*pglogrepl.RelationMessageColumn{
				{Flags: 1, Name: "id", DataType: 23},   // int4, replica identity
				{Flags: 0, Name: "name", DataType: 25}, // text
			},
		},
	}
}

func textTuple(cols ...string) *pglogrepl.TupleData {
	tuple := &pglogrepl.TupleData{}
	for _, c := range cols {
		tuple.Columns = append(tuple.Columns, &pglogrepl.TupleDataColumn{
			DataType: 't',
			Data:     []byte(c),
		})
	}
	return tuple
}

func record(lsn pglogrepl.LSN, msg pglogrepl.Message) wal.RawRecord {
	return wal.RawRecord{WALStart: lsn, ServerWALEnd: lsn, Message: msg}
}

func insertRecord(lsn pglogrepl.LSN, xid uint32, cols ...string) wal.RawRecord {
	return record(lsn, &pglogrepl.InsertMessageV2{
		InsertMessage: pglogrepl.InsertMessage{
			RelationID: customersRelID,
			Tuple:      textTuple(cols...),
		},
		InStreamMessageV2WithXid: pglogrepl.InStreamMessageV2WithXid{Xid: xid},
	})
}

// run feeds the records through the assembler and collects emitted batches.
func run(t *testing.T, records []wal.RawRecord) []common.TxnBatch {
	t.Helper()

	a := New(1000)
	in := make(chan wal.RawRecord, len(records))
	out := make(chan common.TxnBatch, 16)

	for _, rec := range records {
		in <- rec
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Run(ctx, in, out))
	close(out)

	var batches []common.TxnBatch
	for b := range out {
		batches = append(batches, b)
	}
	return batches
}

func TestCommittedInsertEmitsOneCreateEvent(t *testing.T) {
	commitTime := time.Now()

	batches := run(t, []wal.RawRecord{
		record(100, customersRelation()),
		record(101, &pglogrepl.BeginMessage{FinalLSN: 110, CommitTime: commitTime, Xid: 741}),
		insertRecord(102, 0, "1", "alice"),
		record(110, &pglogrepl.CommitMessage{CommitLSN: 110, TransactionEndLSN: 111, CommitTime: commitTime}),
	})

	require.Len(t, batches, 1)
	batch := batches[0]
	assert.Equal(t, uint32(741), batch.Xid)
	assert.Equal(t, pglogrepl.LSN(110), batch.CommitLSN)
	assert.Equal(t, pglogrepl.LSN(111), batch.EndLSN)

	require.Len(t, batch.Events, 1)
	ev := batch.Events[0]
	assert.Equal(t, common.OpCreate, ev.Operation)
	assert.Equal(t, "public", ev.Schema)
	assert.Equal(t, "customers", ev.Table)
	assert.Equal(t, "1", ev.Key)
	assert.Nil(t, ev.Before)
	assert.Equal(t, int32(1), ev.After["id"])
	assert.Equal(t, "alice", ev.After["name"])
	assert.Equal(t, commitTime.UnixMilli(), ev.CommitTS)
}

func TestUpdateAndDeleteCarryBeforeImages(t *testing.T) {
	commitTime := time.Now()

	batches := run(t, []wal.RawRecord{
		record(100, customersRelation()),
		record(101, &pglogrepl.BeginMessage{FinalLSN: 130, CommitTime: commitTime, Xid: 742}),
		record(102, &pglogrepl.UpdateMessageV2{
			UpdateMessage: pglogrepl.UpdateMessage{
				RelationID: customersRelID,
				OldTuple:   textTuple("1", "alice"),
				NewTuple:   textTuple("1", "alicia"),
			},
		}),
		record(103, &pglogrepl.DeleteMessageV2{
			DeleteMessage: pglogrepl.DeleteMessage{
				RelationID: customersRelID,
				OldTuple:   textTuple("1", "alicia"),
			},
		}),
		record(130, &pglogrepl.CommitMessage{CommitLSN: 130, TransactionEndLSN: 131, CommitTime: commitTime}),
	})

	require.Len(t, batches, 1)
	require.Len(t, batches[0].Events, 2)

	update := batches[0].Events[0]
	assert.Equal(t, common.OpUpdate, update.Operation)
	assert.Equal(t, "alice", update.Before["name"])
	assert.Equal(t, "alicia", update.After["name"])

	del := batches[0].Events[1]
	assert.Equal(t, common.OpDelete, del.Operation)
	assert.Equal(t, "alicia", del.Before["name"])
	assert.Nil(t, del.After)
}

func TestRolledBackTransactionEmitsNothing(t *testing.T) {
	batches := run(t, []wal.RawRecord{
		record(100, customersRelation()),
		record(101, &pglogrepl.StreamStartMessageV2{Xid: 900}),
		insertRecord(102, 900, "7", "ghost"),
		record(103, &pglogrepl.StreamStopMessageV2{}),
		record(104, &pglogrepl.StreamAbortMessageV2{Xid: 900}),
	})

	assert.Empty(t, batches)
}

func TestInterleavedStreamsKeepTransactionsSeparate(t *testing.T) {
	commitTime := time.Now()

	batches := run(t, []wal.RawRecord{
		record(100, customersRelation()),
		record(101, &pglogrepl.StreamStartMessageV2{Xid: 10}),
		insertRecord(102, 10, "1", "first"),
		record(103, &pglogrepl.StreamStopMessageV2{}),
		record(104, &pglogrepl.StreamStartMessageV2{Xid: 20}),
		insertRecord(105, 20, "2", "second"),
		record(106, &pglogrepl.StreamStopMessageV2{}),
		// Second transaction aborts, first commits
		record(107, &pglogrepl.StreamAbortMessageV2{Xid: 20}),
		record(108, &pglogrepl.StreamCommitMessageV2{Xid: 10, CommitLSN: 120, TransactionEndLSN: 121, CommitTime: commitTime}),
	})

	require.Len(t, batches, 1)
	assert.Equal(t, uint32(10), batches[0].Xid)
	require.Len(t, batches[0].Events, 1)
	assert.Equal(t, "first", batches[0].Events[0].After["name"])
}

func TestEventsKeepWALOrderWithinTransaction(t *testing.T) {
	commitTime := time.Now()

	records := []wal.RawRecord{
		record(100, customersRelation()),
		record(101, &pglogrepl.BeginMessage{FinalLSN: 200, CommitTime: commitTime, Xid: 50}),
	}
	for i := 0; i < 10; i++ {
		records = append(records, insertRecord(pglogrepl.LSN(110+i), 0, "1", "row"))
	}
	records = append(records, record(200, &pglogrepl.CommitMessage{CommitLSN: 200, TransactionEndLSN: 201, CommitTime: commitTime}))

	batches := run(t, records)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Events, 10)
	for i, ev := range batches[0].Events {
		assert.Equal(t, pglogrepl.LSN(110+i), ev.LSN)
	}
}

func TestEmptyTransactionEmitsNoBatch(t *testing.T) {
	commitTime := time.Now()

	// All of the transaction's changes were filtered by the publication:
	// begin and commit arrive with nothing in between.
	batches := run(t, []wal.RawRecord{
		record(101, &pglogrepl.BeginMessage{FinalLSN: 110, CommitTime: commitTime, Xid: 60}),
		record(110, &pglogrepl.CommitMessage{CommitLSN: 110, TransactionEndLSN: 111, CommitTime: commitTime}),
	})

	assert.Empty(t, batches)
}

func TestUnknownRelationIsProtocolError(t *testing.T) {
	a := New(1000)
	in := make(chan wal.RawRecord, 2)
	out := make(chan common.TxnBatch, 1)

	in <- record(101, &pglogrepl.BeginMessage{FinalLSN: 110, CommitTime: time.Now(), Xid: 70})
	in <- insertRecord(102, 0, "1", "x")
	close(in)

	err := a.Run(context.Background(), in, out)
	require.Error(t, err)
	var protoErr *wal.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestStreamedSubtransactionCommitsWithParent(t *testing.T) {
	commitTime := time.Now()

	// Row messages inside a stream segment can carry a subtransaction's
	// xid; the change still commits with the top-level transaction.
	batches := run(t, []wal.RawRecord{
		record(100, customersRelation()),
		record(101, &pglogrepl.StreamStartMessageV2{Xid: 30}),
		insertRecord(102, 30, "1", "direct"),
		insertRecord(103, 31, "2", "nested"),
		record(104, &pglogrepl.StreamStopMessageV2{}),
		record(105, &pglogrepl.StreamCommitMessageV2{Xid: 30, CommitLSN: 120, TransactionEndLSN: 121, CommitTime: commitTime}),
	})

	require.Len(t, batches, 1)
	assert.Equal(t, uint32(30), batches[0].Xid)
	require.Len(t, batches[0].Events, 2)
	assert.Equal(t, "direct", batches[0].Events[0].After["name"])
	assert.Equal(t, "nested", batches[0].Events[1].After["name"])
	assert.Equal(t, uint32(30), batches[0].Events[1].Xid)
}

func TestStreamedSubtransactionAbortDropsOnlyItsChanges(t *testing.T) {
	commitTime := time.Now()

	batches := run(t, []wal.RawRecord{
		record(100, customersRelation()),
		record(101, &pglogrepl.StreamStartMessageV2{Xid: 40}),
		insertRecord(102, 40, "1", "keep"),
		insertRecord(103, 41, "2", "savepoint"),
		record(104, &pglogrepl.StreamStopMessageV2{}),
		// Only the subtransaction rolls back; the parent later commits.
		record(105, &pglogrepl.StreamAbortMessageV2{Xid: 40, SubXid: 41}),
		record(106, &pglogrepl.StreamCommitMessageV2{Xid: 40, CommitLSN: 130, TransactionEndLSN: 131, CommitTime: commitTime}),
	})

	require.Len(t, batches, 1)
	require.Len(t, batches[0].Events, 1)
	assert.Equal(t, "keep", batches[0].Events[0].After["name"])
}

func TestStatsConcurrentWithRun(t *testing.T) {
	a := New(1_000_000)
	in := make(chan wal.RawRecord, 1024)
	out := make(chan common.TxnBatch, 1024)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), in, out) }()

	stop := make(chan struct{})
	var polled sync.WaitGroup
	polled.Add(1)
	go func() {
		defer polled.Done()
		for {
			select {
			case <-stop:
				return
			default:
				a.Stats()
			}
		}
	}()

	in <- record(100, customersRelation())
	in <- record(101, &pglogrepl.StreamStartMessageV2{Xid: 99})
	for i := 0; i < 5000; i++ {
		in <- insertRecord(pglogrepl.LSN(200+i), 99, "1", "row")
	}
	in <- record(6000, &pglogrepl.StreamStopMessageV2{})
	close(in)

	require.NoError(t, <-done)
	close(stop)
	polled.Wait()

	stats := a.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 5000, stats[0].Changes)
}

func TestStatsReportOpenBuffers(t *testing.T) {
	a := New(1000)
	in := make(chan wal.RawRecord, 3)
	out := make(chan common.TxnBatch, 1)

	in <- record(100, customersRelation())
	in <- record(101, &pglogrepl.BeginMessage{FinalLSN: 200, CommitTime: time.Now(), Xid: 80})
	in <- insertRecord(102, 0, "1", "open")
	close(in)

	require.NoError(t, a.Run(context.Background(), in, out))

	stats := a.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint32(80), stats[0].Xid)
	assert.Equal(t, 1, stats[0].Changes)
}
