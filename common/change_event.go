// Package common provides the shared change-event data model used across
// the wal, assembler, publisher and position packages.
package common

import (
	"github.com/jackc/pglogrepl"
)

// Operation kinds for change events.
const (
	OpCreate uint8 = 0 // INSERT
	OpUpdate uint8 = 1 // UPDATE
	OpDelete uint8 = 2 // DELETE
	OpRead   uint8 = 3 // snapshot read
)

// ChangeEvent is a single committed row mutation.
//
// Invariant: Before is non-nil only for update/delete; After is non-nil
// only for create/update/read. Exactly one ChangeEvent exists per
// committed row mutation.
type ChangeEvent struct {
	Schema    string                 `msgpack:"ns"`  // Postgres schema (namespace)
	Table     string                 `msgpack:"tbl"` // Table name
	Operation uint8                  `msgpack:"op"`  // OpCreate/OpUpdate/OpDelete/OpRead
	Key       string                 `msgpack:"key"` // Primary key rendering, broker partition key
	Before    map[string]interface{} `msgpack:"before"`
	After     map[string]interface{} `msgpack:"after"`
	LSN       pglogrepl.LSN          `msgpack:"lsn"` // WAL position of the row change
	Xid       uint32                 `msgpack:"xid"` // Source transaction id
	CommitTS  int64                  `msgpack:"ts"`  // Commit timestamp (unix ms)
}

// TxnBatch is the ordered set of changes from one committed transaction.
// Events appear in original WAL order. EndLSN is the position just past the
// commit record; confirming it releases the transaction's WAL for retention.
type TxnBatch struct {
	Xid       uint32
	CommitLSN pglogrepl.LSN
	EndLSN    pglogrepl.LSN
	CommitTS  int64
	Events    []ChangeEvent
}

// OpString maps an operation kind to its wire-format letter.
func OpString(op uint8) string {
	switch op {
	case OpCreate:
		return "c"
	case OpUpdate:
		return "u"
	case OpDelete:
		return "d"
	case OpRead:
		return "r"
	}
	return "u"
}
