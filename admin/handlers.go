// Package admin exposes the management HTTP surface: connector status,
// lifecycle controls, slot inspection and position reporting.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/floodgate/cfg"
	"github.com/maxpert/floodgate/supervisor"
	"github.com/maxpert/floodgate/wal"
)

// Handlers serves the management endpoints over a running supervisor.
type Handlers struct {
	sup *supervisor.Supervisor
}

// NewHandlers creates a Handlers instance.
func NewHandlers(sup *supervisor.Supervisor) *Handlers {
	return &Handlers{sup: sup}
}

// TaskStatus mirrors the per-task status block of connector runtimes. The
// connector runs a single task: the pipeline itself.
type TaskStatus struct {
	ID    int    `json:"id"`
	State string `json:"state"`
	Trace string `json:"trace,omitempty"`
}

// ConnectorStatus is the GET /status payload.
type ConnectorStatus struct {
	Name         string       `json:"name"`
	State        string       `json:"state"`
	Paused       bool         `json:"paused"`
	ConfirmedLSN string       `json:"confirmed_lsn"`
	UptimeSec    int64        `json:"uptime_sec"`
	LastError    string       `json:"last_error,omitempty"`
	Tasks        []TaskStatus `json:"tasks"`
}

// taskState maps the lifecycle state onto the conventional task state
// vocabulary (RUNNING, PAUSED, FAILED, UNASSIGNED).
func taskState(state supervisor.State, paused bool) string {
	if paused {
		return "PAUSED"
	}
	switch state {
	case supervisor.StateStreaming:
		return "RUNNING"
	case supervisor.StateFailed:
		return "FAILED"
	case supervisor.StateStopped:
		return "UNASSIGNED"
	default:
		return "UNASSIGNED"
	}
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := h.sup.State()
	paused := h.sup.Paused()

	task := TaskStatus{ID: 0, State: taskState(state, paused)}
	status := ConnectorStatus{
		Name:         cfg.Config.ConnectorName,
		State:        state.String(),
		Paused:       paused,
		ConfirmedLSN: h.sup.ConfirmedPosition().String(),
		UptimeSec:    int64(h.sup.Uptime().Seconds()),
		Tasks:        []TaskStatus{task},
	}
	if err := h.sup.LastError(); err != nil {
		status.LastError = err.Error()
		status.Tasks[0].Trace = err.Error()
	}

	writeJSONResponse(w, status)
}

func (h *Handlers) handlePause(w http.ResponseWriter, r *http.Request) {
	h.sup.Pause()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	h.sup.Resume()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) handleRestart(w http.ResponseWriter, r *http.Request) {
	h.sup.Restart()
	w.WriteHeader(http.StatusAccepted)
}

// handleDelete stops the connector and drops its replication slot. The
// source is then free to reclaim all retained WAL; a later recreate starts
// from a fresh snapshot.
func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	h.sup.Stop()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	source := cfg.Config.Source
	if err := wal.DropSlot(ctx, source.DSN(), source.SlotName); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleSlot(w http.ResponseWriter, r *http.Request) {
	source := cfg.Config.Source

	info, found, err := wal.GetSlotInfo(r.Context(), source.QueryDSN(), source.SlotName)
	if err != nil {
		writeErrorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	if !found {
		writeErrorResponse(w, http.StatusNotFound, "replication slot not found")
		return
	}
	writeJSONResponse(w, info)
}

func (h *Handlers) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos := h.sup.ConfirmedPosition()
	writeJSONResponse(w, map[string]interface{}{
		"confirmed_lsn": pos.String(),
		"confirmed_raw": uint64(pos),
	})
}

func (h *Handlers) handleBuffers(w http.ResponseWriter, r *http.Request) {
	stats := h.sup.Buffers()
	writeJSONResponse(w, map[string]interface{}{
		"open_transactions": len(stats),
		"buffers":           stats,
	})
}

// handleConfig reports the running configuration with credentials redacted.
func (h *Handlers) handleConfig(w http.ResponseWriter, r *http.Request) {
	redacted := *cfg.Config
	redacted.Source.Password = "****"
	redacted.Admin.AuthKey = "****"
	writeJSONResponse(w, redacted)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
