// Package position tracks the confirmed WAL position: the oldest position
// the source log must retain. It is advanced only after the broker has
// durably accepted every event up to it.
//
// The broker's own offsets topic is the source of truth for resume; the
// pebble store here is a write-through cache, so a crash between "broker
// acked" and "cache persisted" recovers by re-reading the broker record.
package position

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/floodgate/encoding"
	"github.com/maxpert/floodgate/telemetry"
)

const confirmedKey = "/position/confirmed"

// RegressionError indicates Advance was called with a position older than
// the confirmed one. It means a bug upstream, never a normal runtime
// condition.
type RegressionError struct {
	Current   pglogrepl.LSN
	Requested pglogrepl.LSN
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("position regression: confirmed %s, requested %s", e.Current, e.Requested)
}

// Record is the persisted form of a confirmed position.
type Record struct {
	LSN       uint64 `msgpack:"lsn"`
	UpdatedMs int64  `msgpack:"ts"`
	Checksum  uint64 `msgpack:"sum"`
}

func (r Record) computeChecksum() uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.UpdatedMs))
	return xxhash.Sum64(buf[:])
}

// Tracker is the local durable position cache.
type Tracker struct {
	db *pebble.DB

	mu        sync.RWMutex
	confirmed pglogrepl.LSN
	updatedMs int64
}

// NewTracker opens (or creates) the position store under dataDir and loads
// the last confirmed position.
func NewTracker(dataDir string) (*Tracker, error) {
	path := filepath.Join(dataDir, "position")

	db, err := pebble.Open(path, &pebble.Options{DisableWAL: false})
	if err != nil {
		return nil, fmt.Errorf("failed to open position store at %s: %w", path, err)
	}

	t := &Tracker{db: db}
	if err := t.load(); err != nil {
		db.Close()
		return nil, err
	}

	if t.confirmed > 0 {
		log.Info().Stringer("confirmed", t.confirmed).Msg("Loaded confirmed position")
	}
	return t, nil
}

func (t *Tracker) load() error {
	val, closer, err := t.db.Get([]byte(confirmedKey))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	var rec Record
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return fmt.Errorf("corrupted position record: %w", err)
	}
	if rec.Checksum != rec.computeChecksum() {
		return fmt.Errorf("position record checksum mismatch: stored %x", rec.Checksum)
	}

	t.confirmed = pglogrepl.LSN(rec.LSN)
	t.updatedMs = rec.UpdatedMs
	return nil
}

// Current returns the confirmed position. Zero means nothing was ever
// confirmed (fresh connector).
func (t *Tracker) Current() pglogrepl.LSN {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.confirmed
}

// Advance durably records a newly confirmed position. Monotonic: a
// position older than the current one fails with RegressionError; equal
// positions are a no-op.
func (t *Tracker) Advance(pos pglogrepl.LSN, nowMs int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos < t.confirmed {
		telemetry.PositionRegressions.Inc()
		return &RegressionError{Current: t.confirmed, Requested: pos}
	}
	if pos == t.confirmed {
		return nil
	}

	rec := Record{LSN: uint64(pos), UpdatedMs: nowMs}
	rec.Checksum = rec.computeChecksum()

	val, err := encoding.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal position record: %w", err)
	}

	if err := t.db.Set([]byte(confirmedKey), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist position: %w", err)
	}

	t.confirmed = pos
	t.updatedMs = nowMs
	telemetry.ConfirmedLSN.Set(float64(pos))
	return nil
}

// Reset clears the confirmed position. Used when an operator re-snapshots
// after terminal data loss.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.db.Delete([]byte(confirmedKey), pebble.Sync); err != nil {
		return fmt.Errorf("failed to reset position: %w", err)
	}
	t.confirmed = 0
	t.updatedMs = 0
	return nil
}

// Close closes the pebble store.
func (t *Tracker) Close() error {
	return t.db.Close()
}
