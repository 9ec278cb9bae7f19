package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/floodgate/assembler"
	"github.com/maxpert/floodgate/cfg"
	"github.com/maxpert/floodgate/common"
	"github.com/maxpert/floodgate/position"
	"github.com/maxpert/floodgate/publisher"
	"github.com/maxpert/floodgate/publisher/serializer"
	"github.com/maxpert/floodgate/telemetry"
	"github.com/maxpert/floodgate/wal"
)

// sessionFunc runs one attach-stream-detach cycle. Split out so lifecycle
// tests can drive the state machine without a live source.
type sessionFunc func(ctx context.Context) error

// Supervisor drives the connector through its lifecycle states.
type Supervisor struct {
	tracker *position.Tracker
	store   position.Store

	state   atomic.Int32
	paused  atomic.Bool
	stopped atomic.Bool

	mu         sync.RWMutex
	lastErr    error
	currentAsm *assembler.Assembler
	cancelSess context.CancelFunc

	startedAt time.Time

	// resumeCh wakes the run loop out of a paused or failed park.
	resumeCh chan struct{}

	session sessionFunc
}

// New creates a supervisor over an opened position tracker and broker
// bookkeeping store.
func New(tracker *position.Tracker, store position.Store) *Supervisor {
	s := &Supervisor{
		tracker:   tracker,
		store:     store,
		resumeCh:  make(chan struct{}, 1),
		startedAt: time.Now(),
	}
	s.session = s.runSession
	s.state.Store(int32(StateDisconnected))
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// LastError returns the most recent session failure, nil after a clean run.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Run drives connect/stream/recover cycles until ctx is cancelled or a
// terminal failure parks the connector. Transient failures (source
// connection, authentication, broker outage) retry forever with
// exponential backoff; terminal ones (protocol corruption, purged WAL)
// wait for an operator restart through the management surface.
func (s *Supervisor) Run(ctx context.Context) error {
	retry := cfg.Config.Retry
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond

	for {
		if ctx.Err() != nil || s.stopped.Load() {
			s.setState(StateStopped)
			s.reportStatus(StateStopped, "")
			return nil
		}

		if s.paused.Load() {
			s.setState(StateDisconnected)
			if !s.waitForResume(ctx) {
				s.setState(StateStopped)
				return nil
			}
			continue
		}

		s.setState(StateConnecting)
		s.reportStatus(StateConnecting, "")

		// A wake issued while a session was live (Restart during
		// streaming) left its token unconsumed. Drop it here so it
		// cannot shortcut a later backoff wait.
		select {
		case <-s.resumeCh:
		default:
		}

		sessCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancelSess = cancel
		s.mu.Unlock()

		started := time.Now()
		err := s.session(sessCtx)
		cancel()

		if ctx.Err() != nil || s.stopped.Load() {
			s.setState(StateStopped)
			s.reportStatus(StateStopped, "")
			return nil
		}
		if err == nil || errors.Is(err, context.Canceled) {
			// Session ended by a pause or restart request.
			continue
		}

		s.setLastError(err)

		if isTerminal(err) {
			log.Error().Err(err).
				Str("reason", failureReason(err)).
				Msg("Terminal failure, connector requires operator intervention")
			s.setState(StateFailed)
			s.reportStatus(StateFailed, err.Error())
			if !s.waitForResume(ctx) {
				s.setState(StateStopped)
				return nil
			}
			backoff = time.Duration(retry.InitialMS) * time.Millisecond
			continue
		}

		// A session that streamed for a while means the previous outage
		// healed; start the backoff ladder over.
		if time.Since(started) > maxBackoff {
			backoff = time.Duration(retry.InitialMS) * time.Millisecond
		}

		log.Warn().Err(err).
			Str("reason", failureReason(err)).
			Dur("retry_in", backoff).
			Msg("Session failed, reconnecting")

		s.setState(StateRecovering)
		s.reportStatus(StateRecovering, err.Error())
		telemetry.ReconnectAttempts.Inc()
		telemetry.BackoffSeconds.Set(backoff.Seconds())

		select {
		case <-time.After(backoff):
		case <-s.resumeCh:
			// Stop or Restart interrupts the backoff wait.
		case <-ctx.Done():
			s.setState(StateStopped)
			return nil
		}

		backoff = min(time.Duration(float64(backoff)*retry.Multiplier), maxBackoff)
	}
}

// waitForResume parks until Resume/Restart is called or ctx ends. Returns
// false on shutdown.
func (s *Supervisor) waitForResume(ctx context.Context) bool {
	select {
	case <-s.resumeCh:
		return !s.stopped.Load()
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) wake() {
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}

func (s *Supervisor) cancelSession() {
	s.mu.RLock()
	cancel := s.cancelSess
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Pause detaches from the source and holds the connector idle. The slot
// keeps pinning WAL at the confirmed position, so Resume replays nothing
// and misses nothing.
func (s *Supervisor) Pause() {
	if s.paused.CompareAndSwap(false, true) {
		log.Info().Msg("Pausing connector")
		s.cancelSession()
		// Also interrupt a backoff wait, so a pause during recovery
		// parks immediately instead of after the timer fires.
		s.wake()
	}
}

// Resume continues streaming after a Pause.
func (s *Supervisor) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		log.Info().Msg("Resuming connector")
		s.wake()
	}
}

// Paused reports whether the connector is administratively paused.
func (s *Supervisor) Paused() bool {
	return s.paused.Load()
}

// Restart tears down the current session (or failed park) and reconnects.
// This is the operator path out of FAILED after external repair.
func (s *Supervisor) Restart() {
	log.Info().Msg("Restart requested")
	s.setLastError(nil)
	s.paused.Store(false)
	// Token first: the reconnect loop drains it before the next session,
	// so it must already be there when the cancelled session unwinds.
	s.wake()
	s.cancelSession()
}

// Stop shuts the connector down.
func (s *Supervisor) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		log.Info().Msg("Stopping connector")
		s.cancelSession()
		s.wake()
	}
}

// Buffers exposes per-transaction assembler occupancy for the management
// surface. Empty when no session is active.
func (s *Supervisor) Buffers() []assembler.BufferStat {
	s.mu.RLock()
	asm := s.currentAsm
	s.mu.RUnlock()
	if asm == nil {
		return nil
	}
	return asm.Stats()
}

// Uptime reports how long this supervisor has existed.
func (s *Supervisor) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// ConfirmedPosition returns the durable confirmed position.
func (s *Supervisor) ConfirmedPosition() pglogrepl.LSN {
	return s.tracker.Current()
}

// runSession performs one full attach cycle: ensure slot, resolve resume
// position, optional initial snapshot, then stream until failure or
// cancellation.
func (s *Supervisor) runSession(ctx context.Context) error {
	source := cfg.Config.Source
	pipeline := cfg.Config.Pipeline

	slotRes, err := wal.PrepareSlot(ctx, source.DSN(), source.SlotName, source.User)
	if err != nil {
		return err
	}

	resume, err := s.resolveResume(ctx)
	if err != nil {
		return err
	}

	// A slot that lost required WAL can never stream again; fail before
	// burning reconnect attempts against it.
	if !slotRes.Created {
		if err := wal.CheckSlotRecoverable(ctx, source.QueryDSN(), source.SlotName, resume); err != nil {
			return err
		}
	}

	pub, err := s.buildPublisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	if needsSnapshot(source.SnapshotMode, resume) {
		point := slotRes.ConsistentPoint
		if !slotRes.Created {
			// The slot survived a crash between its creation and snapshot
			// completion: nothing was ever confirmed, so the snapshot must
			// run again, at the slot's current retained position.
			point, err = s.slotConfirmedPoint(ctx)
			if err != nil {
				return err
			}
		}
		if err := s.runSnapshot(ctx, pub, point); err != nil {
			return err
		}
		resume = point
	}

	reader := wal.NewReader(source, pipeline, s.tracker.Current)
	if err := reader.Open(ctx, resume); err != nil {
		return err
	}
	defer reader.Close(context.Background())

	asm := assembler.New(pipeline.MaxBufferedChanges)
	s.mu.Lock()
	s.currentAsm = asm
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.currentAsm = nil
		s.mu.Unlock()
	}()

	s.setState(StateStreaming)
	s.reportStatus(StateStreaming, "")
	log.Info().Stringer("resume", resume).Msg("Pipeline streaming")

	return s.pump(ctx, reader, asm, pub)
}

// pump wires the three pipeline stages together and returns the first
// stage failure. Cancelling ctx unwinds all stages.
func (s *Supervisor) pump(ctx context.Context, reader *wal.Reader, asm *assembler.Assembler, pub *publisher.Publisher) error {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan common.TxnBatch, cfg.Config.Pipeline.BatchQueueSize)
	errCh := make(chan error, 3)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		errCh <- reader.Run(pumpCtx)
	}()

	go func() {
		defer wg.Done()
		defer close(batches)
		errCh <- asm.Run(pumpCtx, reader.Records(), batches)
	}()

	go func() {
		defer wg.Done()
		errCh <- s.publishLoop(pumpCtx, batches, pub)
	}()

	err := <-errCh
	cancel()
	wg.Wait()

	if err == nil || errors.Is(err, context.Canceled) {
		// Surface a real failure from another stage if the first return
		// was just the cancellation ripple.
		for i := 0; i < 2; i++ {
			if other := <-errCh; other != nil && !errors.Is(other, context.Canceled) {
				return other
			}
		}
		return err
	}
	return err
}

// publishLoop delivers committed batches and confirms their positions.
// The confirmed position advances only after the broker ack, and the
// broker-side offset record is written fire-and-forget: losing it merely
// re-delivers from an older confirmed position.
func (s *Supervisor) publishLoop(ctx context.Context, batches <-chan common.TxnBatch, pub *publisher.Publisher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-batches:
			if !ok {
				return nil
			}

			ack, err := pub.Publish(ctx, batch)
			if err != nil {
				return err
			}

			if err := s.tracker.Advance(ack.HighestLSN, time.Now().UnixMilli()); err != nil {
				return err
			}
			s.store.WriteOffsetAsync(ack.HighestLSN)

			log.Debug().
				Uint32("xid", batch.Xid).
				Stringer("end_lsn", batch.EndLSN).
				Int("published", ack.Published).
				Int("filtered", ack.Filtered).
				Msg("Confirmed transaction")
		}
	}
}

// resolveResume reconciles the local position cache against the broker's
// offset record. The broker record wins when it is ahead: the local write
// can be lost between broker ack and cache persist.
func (s *Supervisor) resolveResume(ctx context.Context) (pglogrepl.LSN, error) {
	local := s.tracker.Current()

	remote, found, err := s.store.ReadLatestOffset(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read broker offset record, using local position")
		return local, nil
	}
	if !found {
		return local, nil
	}

	if remote > local {
		log.Info().
			Stringer("local", local).
			Stringer("remote", remote).
			Msg("Broker offset record ahead of local cache, adopting it")
		if err := s.tracker.Advance(remote, time.Now().UnixMilli()); err != nil {
			return 0, err
		}
		return remote, nil
	}
	return local, nil
}

func (s *Supervisor) buildPublisher() (*publisher.Publisher, error) {
	sinkCfg := cfg.Config.Sink

	sink, err := publisher.CreateSink(sinkCfg)
	if err != nil {
		return nil, err
	}

	ser, err := serializer.NewDebezium(cfg.Config.ConnectorName)
	if err != nil {
		sink.Close()
		return nil, err
	}

	filter, err := publisher.NewGlobFilter(cfg.Config.Source.Tables)
	if err != nil {
		sink.Close()
		return nil, err
	}

	retry := cfg.Config.Retry
	return publisher.New(publisher.Config{
		Sink:              sink,
		Serializer:        ser,
		Filter:            filter,
		TopicPrefix:       sinkCfg.TopicPrefix,
		StripSchemaPrefix: sinkCfg.StripSchemaPrefix,
		TombstoneOnDelete: sinkCfg.TombstoneOnDelete,
		RetryInitial:      time.Duration(retry.InitialMS) * time.Millisecond,
		RetryMax:          time.Duration(retry.MaxMS) * time.Millisecond,
		RetryMultiplier:   retry.Multiplier,
	})
}

// reportStatus mirrors state transitions onto the broker status topic,
// best effort.
func (s *Supervisor) reportStatus(state State, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.WriteStatus(ctx, state.String(), detail); err != nil {
		log.Debug().Err(err).Msg("Status record write failed")
	}
}
