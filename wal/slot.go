package wal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// WalStatusLost is the pg_replication_slots.wal_status value reported once
// required WAL segments were purged before being confirmed. Streaming from
// such a slot can never succeed again.
const WalStatusLost = "lost"

// SlotInfo mirrors the interesting pg_replication_slots columns.
type SlotInfo struct {
	SlotName          string `json:"slot_name"`
	Plugin            string `json:"plugin"`
	Database          string `json:"database"`
	Active            bool   `json:"active"`
	ActivePID         *int32 `json:"active_pid,omitempty"`
	WalStatus         string `json:"wal_status"`
	RestartLSN        string `json:"restart_lsn"`
	ConfirmedFlushLSN string `json:"confirmed_flush_lsn"`
}

// CreateSlotResult reports the outcome of EnsureSlot.
type CreateSlotResult struct {
	Created bool
	// ConsistentPoint is the LSN at which the new slot's snapshot is
	// consistent. Zero when the slot already existed.
	ConsistentPoint pglogrepl.LSN
	// SnapshotName names the exported snapshot usable for initial table
	// reads in the same transaction window. Empty when not created.
	SnapshotName string
}

// EnsureSlot creates the logical replication slot if it does not exist.
// Must be called on a replication-mode connection before StartReplication.
func EnsureSlot(ctx context.Context, conn *pgconn.PgConn, slotName string) (CreateSlotResult, error) {
	res, err := pglogrepl.CreateReplicationSlot(ctx, conn, slotName, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{SnapshotAction: "EXPORT_SNAPSHOT"})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeDuplicateObject {
			return CreateSlotResult{Created: false}, nil
		}
		return CreateSlotResult{}, fmt.Errorf("create replication slot %q: %w", slotName, err)
	}

	point, err := pglogrepl.ParseLSN(res.ConsistentPoint)
	if err != nil {
		return CreateSlotResult{}, fmt.Errorf("parse consistent point %q: %w", res.ConsistentPoint, err)
	}

	log.Info().
		Str("slot", slotName).
		Str("consistent_point", res.ConsistentPoint).
		Msg("Created replication slot")

	return CreateSlotResult{
		Created:         true,
		ConsistentPoint: point,
		SnapshotName:    res.SnapshotName,
	}, nil
}

// PrepareSlot dials a replication connection, ensures the slot exists and
// disconnects. Errors are classified per the stream taxonomy.
func PrepareSlot(ctx context.Context, dsn, slotName, user string) (CreateSlotResult, error) {
	conn, err := pgconn.Connect(ctx, dsn)
	if err != nil {
		return CreateSlotResult{}, classifyStreamError(err, slotName, 0, user)
	}
	defer conn.Close(ctx)

	res, err := EnsureSlot(ctx, conn, slotName)
	if err != nil {
		return CreateSlotResult{}, classifyStreamError(err, slotName, 0, user)
	}
	return res, nil
}

// DropSlot removes the replication slot, releasing the WAL it pins. Called
// on explicit shutdown when drop_slot_on_stop is set, and on delete through
// the management surface.
func DropSlot(ctx context.Context, dsn, slotName string) error {
	conn, err := pgconn.Connect(ctx, dsn)
	if err != nil {
		return classifyStreamError(err, slotName, 0, "")
	}
	defer conn.Close(ctx)

	if err := pglogrepl.DropReplicationSlot(ctx, conn, slotName, pglogrepl.DropReplicationSlotOptions{Wait: true}); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42704" { // undefined_object
			return nil
		}
		return fmt.Errorf("drop replication slot %q: %w", slotName, err)
	}

	log.Info().Str("slot", slotName).Msg("Dropped replication slot")
	return nil
}

// GetSlotInfo queries slot metadata over a regular connection. The second
// return is false when the slot does not exist.
func GetSlotInfo(ctx context.Context, queryDSN, slotName string) (SlotInfo, bool, error) {
	pool, err := pgxpool.New(ctx, queryDSN)
	if err != nil {
		return SlotInfo{}, false, classifyStreamError(err, slotName, 0, "")
	}
	defer pool.Close()

	const query = `
SELECT
  slot_name,
  plugin,
  database,
  active,
  active_pid,
  wal_status,
  restart_lsn::text,
  confirmed_flush_lsn::text
FROM pg_replication_slots
WHERE slot_type = 'logical' AND slot_name = $1`

	var info SlotInfo
	var activePID sql.NullInt32
	var walStatus, restartLSN, confirmedLSN sql.NullString
	err = pool.QueryRow(ctx, query, slotName).Scan(
		&info.SlotName,
		&info.Plugin,
		&info.Database,
		&info.Active,
		&activePID,
		&walStatus,
		&restartLSN,
		&confirmedLSN,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SlotInfo{}, false, nil
		}
		return SlotInfo{}, false, classifyStreamError(err, slotName, 0, "")
	}

	if activePID.Valid {
		pid := activePID.Int32
		info.ActivePID = &pid
	}
	if walStatus.Valid {
		info.WalStatus = walStatus.String
	}
	if restartLSN.Valid {
		info.RestartLSN = restartLSN.String
	}
	if confirmedLSN.Valid {
		info.ConfirmedFlushLSN = confirmedLSN.String
	}

	return info, true, nil
}

// CheckSlotRecoverable returns a PositionUnavailableError when the slot
// reports wal_status=lost for the requested resume position. Used by the
// supervisor before reconnecting so a purged slot fails terminally instead
// of looping through connection retries.
func CheckSlotRecoverable(ctx context.Context, queryDSN, slotName string, resume pglogrepl.LSN) error {
	info, found, err := GetSlotInfo(ctx, queryDSN, slotName)
	if err != nil {
		return err
	}
	if !found {
		// No slot yet; it will be created on open.
		return nil
	}
	if info.WalStatus == WalStatusLost {
		return &PositionUnavailableError{
			Slot:      slotName,
			Requested: resume,
			cause:     fmt.Errorf("slot reports wal_status=%s", info.WalStatus),
		}
	}
	return nil
}
