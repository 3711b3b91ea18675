package net

import (
	nethttp "net/http"
)

// handleSpectatorSocket serves a read-only overlay connection. No
// authentication; spectators get the full snapshot on join and then
// receive whatever the room broadcasts. Inbound frames are drained and
// ignored so client pongs do not accumulate.
func (h *Handler) handleSpectatorSocket(w nethttp.ResponseWriter, r *nethttp.Request, raceID string) {
	snapshot, err := h.hub.RaceStateSnapshot(r.Context(), raceID)
	if err != nil {
		httpError(w, "race not found", nethttp.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("spectator upgrade failed for race %s: %v", raceID, err)
		return
	}

	rc, id := h.hub.AdmitSpectator(raceID, conn)
	defer h.hub.EvictSpectator(raceID, id, rc)

	if err := h.hub.Unicast(rc, snapshot); err != nil {
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
