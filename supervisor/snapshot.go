package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/floodgate/cfg"
	"github.com/maxpert/floodgate/common"
	"github.com/maxpert/floodgate/publisher"
	"github.com/maxpert/floodgate/wal"
)

// snapshotChunk bounds how many read events travel in one publish batch.
const snapshotChunk = 500

// needsSnapshot reports whether the initial snapshot must run this session.
// A zero resume position with snapshot mode "initial" means nothing has
// ever been confirmed, regardless of whether the slot already existed: a
// pre-existing slot with no confirmed position is a crash between slot
// creation and snapshot completion, and the snapshot runs again.
func needsSnapshot(mode string, resume pglogrepl.LSN) bool {
	return mode == string(cfg.SnapshotInitial) && resume == 0
}

// slotConfirmedPoint reads the slot's confirmed flush position, used as the
// snapshot consistent point when the slot pre-dates this session.
func (s *Supervisor) slotConfirmedPoint(ctx context.Context) (pglogrepl.LSN, error) {
	source := cfg.Config.Source

	info, found, err := wal.GetSlotInfo(ctx, source.QueryDSN(), source.SlotName)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("replication slot %q disappeared during session setup", source.SlotName)
	}
	if info.ConfirmedFlushLSN == "" {
		return 0, nil
	}
	return pglogrepl.ParseLSN(info.ConfirmedFlushLSN)
}

// runSnapshot publishes every row of the publication's tables as read
// events, then confirms the slot's consistent point. Streaming picks up
// exactly after the rows read here.
//
// At-least-once holds across a snapshot crash: the position is confirmed
// only at the end, so an interrupted snapshot is retried whole on the next
// session (the slot still exists but the confirmed position is zero).
func (s *Supervisor) runSnapshot(ctx context.Context, pub *publisher.Publisher, consistentPoint pglogrepl.LSN) error {
	source := cfg.Config.Source

	snap, err := wal.NewSnapshotter(ctx, source.QueryDSN())
	if err != nil {
		return err
	}
	defer snap.Close()

	tables, err := snap.PublicationTables(ctx, source.PublicationName)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		log.Warn().
			Str("publication", source.PublicationName).
			Msg("Publication covers no tables, skipping snapshot")
		return nil
	}

	log.Info().
		Strs("tables", tables).
		Stringer("consistent_point", consistentPoint).
		Msg("Starting initial snapshot")

	start := time.Now()
	pending := make([]common.ChangeEvent, 0, snapshotChunk)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		batch := common.TxnBatch{
			CommitLSN: consistentPoint,
			EndLSN:    0, // snapshot batches confirm nothing until the end
			CommitTS:  time.Now().UnixMilli(),
			Events:    pending,
		}
		if _, err := pub.Publish(ctx, batch); err != nil {
			return err
		}
		pending = make([]common.ChangeEvent, 0, snapshotChunk)
		return nil
	}

	err = snap.Run(ctx, tables, consistentPoint, func(ev common.ChangeEvent) error {
		pending = append(pending, ev)
		if len(pending) >= snapshotChunk {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	if err := s.tracker.Advance(consistentPoint, time.Now().UnixMilli()); err != nil {
		return err
	}
	s.store.WriteOffsetAsync(consistentPoint)

	log.Info().
		Dur("took", time.Since(start)).
		Stringer("confirmed", consistentPoint).
		Msg("Initial snapshot complete")
	return nil
}
