package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/floodgate/cfg"
	"github.com/maxpert/floodgate/position"
	"github.com/maxpert/floodgate/wal"
)

func fastRetryConfig(t *testing.T) {
	t.Helper()
	saved := *cfg.Config
	cfg.Config.Retry = cfg.RetryConfiguration{InitialMS: 1, MaxMS: 10, Multiplier: 2.0}
	t.Cleanup(func() { *cfg.Config = saved })
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	tracker, err := position.NewTracker(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })
	return New(tracker, position.NoopStore{})
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %s, stuck at %s", want, s.State())
}

func TestTerminalFailureParksConnector(t *testing.T) {
	fastRetryConfig(t)
	s := newTestSupervisor(t)

	var attempts atomic.Int32
	s.session = func(ctx context.Context) error {
		attempts.Add(1)
		return &wal.PositionUnavailableError{Slot: "floodgate", Requested: 100}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForState(t, s, StateFailed)

	// Parked: no retry loop against a purged position
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Error(t, s.LastError())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, s.State())
}

func TestProtocolErrorIsTerminal(t *testing.T) {
	fastRetryConfig(t)
	s := newTestSupervisor(t)

	var attempts atomic.Int32
	s.session = func(ctx context.Context) error {
		attempts.Add(1)
		return &wal.ProtocolError{Detail: "unknown copy data tag"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForState(t, s, StateFailed)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	fastRetryConfig(t)
	s := newTestSupervisor(t)

	var attempts atomic.Int32
	s.session = func(ctx context.Context) error {
		attempts.Add(1)
		return wal.ClassifyError(assert.AnError, "floodgate", 0, "postgres")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for attempts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqual(t, attempts.Load(), int32(3))

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, s.State())
}

func TestRestartLeavesFailedState(t *testing.T) {
	fastRetryConfig(t)
	s := newTestSupervisor(t)

	var attempts atomic.Int32
	s.session = func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			return &wal.PositionUnavailableError{Slot: "floodgate", Requested: 100}
		}
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForState(t, s, StateFailed)
	s.Restart()
	waitForState(t, s, StateConnecting)
	assert.Nil(t, s.LastError())

	cancel()
	require.NoError(t, <-done)
}

func TestPauseAndResume(t *testing.T) {
	fastRetryConfig(t)
	s := newTestSupervisor(t)

	var attempts atomic.Int32
	started := make(chan struct{}, 8)
	s.session = func(ctx context.Context) error {
		attempts.Add(1)
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-started
	s.Pause()
	waitForState(t, s, StateDisconnected)
	assert.True(t, s.Paused())

	s.Resume()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("session never restarted after resume")
	}
	assert.False(t, s.Paused())
	assert.Equal(t, int32(2), attempts.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestStopInterruptsBackoff(t *testing.T) {
	saved := *cfg.Config
	cfg.Config.Retry = cfg.RetryConfiguration{InitialMS: 60_000, MaxMS: 60_000, Multiplier: 2.0}
	t.Cleanup(func() { *cfg.Config = saved })

	s := newTestSupervisor(t)
	s.session = func(ctx context.Context) error {
		return wal.ClassifyError(assert.AnError, "floodgate", 0, "postgres")
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitForState(t, s, StateRecovering)
	s.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop during backoff")
	}
	assert.Equal(t, StateStopped, s.State())
}

func TestPauseInterruptsBackoff(t *testing.T) {
	saved := *cfg.Config
	cfg.Config.Retry = cfg.RetryConfiguration{InitialMS: 60_000, MaxMS: 60_000, Multiplier: 2.0}
	t.Cleanup(func() { *cfg.Config = saved })

	s := newTestSupervisor(t)
	s.session = func(ctx context.Context) error {
		return wal.ClassifyError(assert.AnError, "floodgate", 0, "postgres")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForState(t, s, StateRecovering)

	// Pause must park the connector now, not after the 60s timer fires.
	s.Pause()
	waitForState(t, s, StateDisconnected)
	assert.True(t, s.Paused())

	cancel()
	require.NoError(t, <-done)
}

func TestRestartDuringStreamingDoesNotShortcutBackoff(t *testing.T) {
	saved := *cfg.Config
	cfg.Config.Retry = cfg.RetryConfiguration{InitialMS: 60_000, MaxMS: 60_000, Multiplier: 2.0}
	t.Cleanup(func() { *cfg.Config = saved })

	s := newTestSupervisor(t)

	var attempts atomic.Int32
	started := make(chan struct{}, 8)
	s.session = func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}
		return wal.ClassifyError(assert.AnError, "floodgate", 0, "postgres")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-started
	// Restart wakes nothing (the session is live); its token must not
	// survive to skip the backoff after the next failure.
	s.Restart()

	waitForState(t, s, StateRecovering)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, StateRecovering, s.State())

	cancel()
	require.NoError(t, <-done)
}

func TestSnapshotRequiredUntilPositionConfirmed(t *testing.T) {
	// A pre-existing slot with no confirmed position means a crash
	// between slot creation and snapshot completion: the snapshot must
	// run again regardless of who created the slot.
	assert.True(t, needsSnapshot(string(cfg.SnapshotInitial), 0))
	assert.False(t, needsSnapshot(string(cfg.SnapshotInitial), pglogrepl.LSN(100)))
	assert.False(t, needsSnapshot(string(cfg.SnapshotNever), 0))
	assert.False(t, needsSnapshot(string(cfg.SnapshotNever), pglogrepl.LSN(100)))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "STREAMING", StateStreaming.String())
	assert.Equal(t, "RECOVERING", StateRecovering.String())
	assert.Equal(t, "FAILED", StateFailed.String())
	assert.Equal(t, "STOPPED", StateStopped.String())
}
