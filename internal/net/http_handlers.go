// Package net is the HTTP and WebSocket edge: routing, the mod
// authentication handshake, and the spectator socket. All race
// semantics live behind the hub; this package only moves frames.
package net

import (
	"encoding/json"
	"errors"
	"log"
	nethttp "net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"relicrace/server"
	"relicrace/server/internal/auth"
	"relicrace/server/internal/store"
	"relicrace/server/internal/telemetry"
	"relicrace/server/logging"
)

type HandlerConfig struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
}

// Handler carries the shared state of the HTTP edge.
type Handler struct {
	hub       *server.Hub
	auth      auth.Authenticator
	logger    telemetry.Logger
	publisher logging.Publisher
	upgrader  websocket.Upgrader
}

// NewHTTPHandler builds the router. Routes:
//
//	GET  /health                  liveness probe
//	GET  /diagnostics             counters and room stats
//	POST /races/{id}/start        organizer start action
//	GET  /ws/race/{id}            mod telemetry socket
//	GET  /ws/race/{id}/spectate   read-only overlay socket
func NewHTTPHandler(hub *server.Hub, authenticator auth.Authenticator, cfg HandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}

	h := &Handler{
		hub:       hub,
		auth:      authenticator,
		logger:    logger,
		publisher: publisher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", h.handleHealth).Methods(nethttp.MethodGet)
	router.HandleFunc("/diagnostics", h.handleDiagnostics).Methods(nethttp.MethodGet)
	router.HandleFunc("/races/{id}/start", h.handleStartRace).Methods(nethttp.MethodPost)
	router.HandleFunc("/ws/race/{id}", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		h.handleModSocket(w, r, mux.Vars(r)["id"])
	}).Methods(nethttp.MethodGet)
	router.HandleFunc("/ws/race/{id}/spectate", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		h.handleSpectatorSocket(w, r, mux.Vars(r)["id"])
	}).Methods(nethttp.MethodGet)
	return router
}

func (h *Handler) handleHealth(w nethttp.ResponseWriter, r *nethttp.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (h *Handler) handleDiagnostics(w nethttp.ResponseWriter, r *nethttp.Request) {
	payload := struct {
		Status     string                   `json:"status"`
		ServerTime int64                    `json:"serverTime"`
		Rooms      int                      `json:"rooms"`
		Telemetry  server.TelemetrySnapshot `json:"telemetry"`
	}{
		Status:     "ok",
		ServerTime: time.Now().UnixMilli(),
		Rooms:      h.hub.RoomCount(),
		Telemetry:  h.hub.TelemetrySnapshot(),
	}
	writeJSON(w, h.logger, payload)
}

func (h *Handler) handleStartRace(w nethttp.ResponseWriter, r *nethttp.Request) {
	raceID := mux.Vars(r)["id"]
	updated, err := h.hub.StartRace(r.Context(), raceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpError(w, "race not found", nethttp.StatusNotFound)
		return
	case errors.Is(err, server.ErrRaceNotRunnable):
		httpError(w, "race is not in setup", nethttp.StatusConflict)
		return
	case errors.Is(err, server.ErrRaceConflict):
		httpError(w, "concurrent transition, retry", nethttp.StatusConflict)
		return
	case err != nil:
		h.logger.Printf("start race %s failed: %v", raceID, err)
		httpError(w, "internal error", nethttp.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, struct {
		Status  string `json:"status"`
		RaceID  string `json:"raceId"`
		Version int64  `json:"version"`
	}{Status: string(updated.Status), RaceID: updated.ID, Version: updated.Version})
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("failed to encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
