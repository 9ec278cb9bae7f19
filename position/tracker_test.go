package position

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTracker(t *testing.T, dir string) *Tracker {
	t.Helper()
	tr, err := NewTracker(dir)
	require.NoError(t, err)
	return tr
}

func TestTrackerStartsAtZero(t *testing.T) {
	tr := openTracker(t, t.TempDir())
	defer tr.Close()

	assert.Equal(t, pglogrepl.LSN(0), tr.Current())
}

func TestTrackerAdvanceIsMonotonic(t *testing.T) {
	tr := openTracker(t, t.TempDir())
	defer tr.Close()

	now := time.Now().UnixMilli()

	require.NoError(t, tr.Advance(pglogrepl.LSN(100), now))
	assert.Equal(t, pglogrepl.LSN(100), tr.Current())

	require.NoError(t, tr.Advance(pglogrepl.LSN(250), now))
	assert.Equal(t, pglogrepl.LSN(250), tr.Current())

	// Equal position is a no-op, not an error
	require.NoError(t, tr.Advance(pglogrepl.LSN(250), now))
	assert.Equal(t, pglogrepl.LSN(250), tr.Current())
}

func TestTrackerRejectsRegression(t *testing.T) {
	tr := openTracker(t, t.TempDir())
	defer tr.Close()

	now := time.Now().UnixMilli()
	require.NoError(t, tr.Advance(pglogrepl.LSN(500), now))

	err := tr.Advance(pglogrepl.LSN(400), now)
	require.Error(t, err)

	var regression *RegressionError
	require.True(t, errors.As(err, &regression))
	assert.Equal(t, pglogrepl.LSN(500), regression.Current)
	assert.Equal(t, pglogrepl.LSN(400), regression.Requested)

	// Confirmed position is untouched after the rejected call
	assert.Equal(t, pglogrepl.LSN(500), tr.Current())
}

func TestTrackerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UnixMilli()

	tr := openTracker(t, dir)
	require.NoError(t, tr.Advance(pglogrepl.LSN(0x16B374D848), now))
	require.NoError(t, tr.Close())

	reopened := openTracker(t, dir)
	defer reopened.Close()

	assert.Equal(t, pglogrepl.LSN(0x16B374D848), reopened.Current())

	// Positions seen before the restart must still be rejected
	err := reopened.Advance(pglogrepl.LSN(0x16B374D847), now)
	var regression *RegressionError
	require.True(t, errors.As(err, &regression))
}

func TestTrackerReset(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UnixMilli()

	tr := openTracker(t, dir)
	require.NoError(t, tr.Advance(pglogrepl.LSN(900), now))
	require.NoError(t, tr.Reset())
	assert.Equal(t, pglogrepl.LSN(0), tr.Current())
	require.NoError(t, tr.Close())

	reopened := openTracker(t, dir)
	defer reopened.Close()
	assert.Equal(t, pglogrepl.LSN(0), reopened.Current())
}

func TestRecordChecksumDetectsTampering(t *testing.T) {
	rec := Record{LSN: 42, UpdatedMs: 1700000000000}
	rec.Checksum = rec.computeChecksum()

	tampered := rec
	tampered.LSN = 43
	assert.NotEqual(t, tampered.computeChecksum(), rec.Checksum)
}
