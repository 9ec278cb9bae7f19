// Package supervisor owns the connector lifecycle: it runs the
// reader/assembler/publisher pipeline, classifies failures, reconnects
// with backoff on transient ones and parks the connector on terminal
// ones. Because delivery is at least once and positions are confirmed
// only after broker acceptance, recovery is always "reconnect and replay
// from the confirmed position"; no state beyond that position survives a
// failure.
package supervisor

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/floodgate/position"
	"github.com/maxpert/floodgate/publisher"
	"github.com/maxpert/floodgate/telemetry"
	"github.com/maxpert/floodgate/wal"
)

// State is the connector's lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateRecovering
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateRecovering:
		return "RECOVERING"
	case StateFailed:
		return "FAILED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

var stateNames = []State{
	StateDisconnected,
	StateConnecting,
	StateStreaming,
	StateRecovering,
	StateFailed,
	StateStopped,
}

func (s *Supervisor) setState(state State) {
	old := State(s.state.Swap(int32(state)))
	if old == state {
		return
	}

	log.Info().
		Str("from", old.String()).
		Str("to", state.String()).
		Msg("Connector state changed")

	for _, name := range stateNames {
		val := 0.0
		if name == state {
			val = 1.0
		}
		telemetry.ConnectorState.With(name.String()).Set(val)
	}
}

// isTerminal reports whether a failure must park the connector instead of
// retrying. Protocol corruption and purged WAL positions can never heal on
// their own; a position regression means a bug and retrying would republish
// past the confirmed position.
func isTerminal(err error) bool {
	var protocolErr *wal.ProtocolError
	var positionErr *wal.PositionUnavailableError
	var regressionErr *position.RegressionError
	var serErr *publisher.SerializationError
	return errors.As(err, &protocolErr) ||
		errors.As(err, &positionErr) ||
		errors.As(err, &regressionErr) ||
		errors.As(err, &serErr)
}

// failureReason renders a short classification label for status reporting.
func failureReason(err error) string {
	if err == nil {
		return ""
	}

	var authErr *wal.AuthError
	var positionErr *wal.PositionUnavailableError
	var protocolErr *wal.ProtocolError
	var regressionErr *position.RegressionError
	var brokerErr *publisher.BrokerUnavailableError
	var serErr *publisher.SerializationError

	switch {
	case errors.As(err, &authErr):
		return "authentication"
	case errors.As(err, &positionErr):
		return "position_unavailable"
	case errors.As(err, &protocolErr):
		return "protocol"
	case errors.As(err, &regressionErr):
		return "position_regression"
	case errors.As(err, &brokerErr):
		return "broker_unavailable"
	case errors.As(err, &serErr):
		return "serialization"
	default:
		return "connection"
	}
}
