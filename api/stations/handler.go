// Package stations exposes the live station list and the outbound command
// gateway over HTTP.
package stations

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/kilianp07/ocppgw/core/correlation"
	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/ocpp"
	"github.com/kilianp07/ocppgw/core/registry"
	"github.com/kilianp07/ocppgw/core/station"
)

const maxBody = 1 << 20

// Commander sends a command to a station and waits for its answer.
type Commander interface {
	Call(ctx context.Context, stationID, action string, payload any) (json.RawMessage, error)
}

// Connections lists the live station connections.
type Connections interface {
	IDs() []string
	IsLive(id string) bool
}

// StationView is the body of GET /api/stations/{id}.
type StationView struct {
	station.Station
	Live bool `json:"live"`
}

// CommandResult is the body of a successful command call.
type CommandResult struct {
	StationID string          `json:"station_id"`
	Action    string          `json:"action"`
	Result    json.RawMessage `json:"result"`
}

// ErrorBody is returned for failed requests.
type ErrorBody struct {
	Error       string `json:"error"`
	ErrorCode   string `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Handler serves the administrative API.
type Handler struct {
	conns   Connections
	store   station.Store
	cmd     Commander
	timeout time.Duration
	log     logger.Logger
}

// NewHandler creates the API handler. timeout bounds how long a command
// request waits for the station.
func NewHandler(conns Connections, store station.Store, cmd Commander, timeout time.Duration, log logger.Logger) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{conns: conns, store: store, cmd: cmd, timeout: timeout, log: log}
}

// Routes returns a mux with the API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stations", h.list)
	mux.HandleFunc("GET /api/stations/{id}", h.get)
	mux.HandleFunc("POST /api/stations/{id}/commands/{action}", h.command)
	return mux
}

func (h *Handler) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.conns.IDs())
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	live := h.conns.IsLive(id)
	st, err := h.store.FindByExternalID(r.Context(), id)
	switch {
	case errors.Is(err, station.ErrNotFound) && live:
		st = station.Station{ExternalID: id}
	case errors.Is(err, station.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: "station not found"})
		return
	case err != nil:
		h.log.Errorf("load station %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StationView{Station: st, Live: live})
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), r.PathValue("action")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	payload, err := ocpp.MarshalPayload(json.RawMessage(body))
	if err != nil || !json.Valid(payload) {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "body must be a JSON object"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	res, err := h.cmd.Call(ctx, id, action, payload)
	if err != nil {
		h.writeCommandError(w, id, action, err)
		return
	}
	writeJSON(w, http.StatusOK, CommandResult{StationID: id, Action: action, Result: res})
}

func (h *Handler) writeCommandError(w http.ResponseWriter, id, action string, err error) {
	var perr *ocpp.Error
	switch {
	case errors.Is(err, registry.ErrNoActiveConnection), errors.Is(err, station.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: err.Error()})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusBadGateway, ErrorBody{Error: "station rejected the command", ErrorCode: string(perr.Code), Description: perr.Description})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, correlation.ErrRequestExpired):
		writeJSON(w, http.StatusGatewayTimeout, ErrorBody{Error: "station did not answer in time"})
	default:
		h.log.Errorf("command %s to %s: %v", action, id, err)
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
