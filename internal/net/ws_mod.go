package net

import (
	"context"
	"errors"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"relicrace/server"
	"relicrace/server/internal/auth"
	"relicrace/server/internal/race"
	"relicrace/server/logging"
	lognet "relicrace/server/logging/network"
)

// authResult is the outcome of the pre-admission handshake.
type authResult struct {
	participant *race.Participant
	closeCode   int
	reason      string
}

// handleModSocket runs one mod connection end to end: authenticate the
// first frame within the deadline, admit, send auth_ok, then dispatch
// telemetry until the connection drops.
func (h *Handler) handleModSocket(w nethttp.ResponseWriter, r *nethttp.Request, raceID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for race %s: %v", raceID, err)
		return
	}

	cfg := h.hub.Config()
	res := h.authenticate(r.Context(), conn, raceID, cfg.AuthTimeout)
	if res.participant == nil {
		h.rejectConn(conn, raceID, res.closeCode, res.reason)
		return
	}
	p := res.participant

	rc, err := h.hub.AdmitMod(raceID, p.ID, conn)
	if err != nil {
		if errors.Is(err, server.ErrDuplicateConnection) {
			h.rejectConn(conn, raceID, server.CloseDuplicateConn, "already connected")
			return
		}
		h.logger.Printf("admission failed for %s: %v", p.ID, err)
		conn.Close()
		return
	}
	defer h.hub.EvictMod(raceID, p.ID, rc)

	snapshot, err := h.hub.AuthSnapshot(r.Context(), raceID, p.ID)
	if err != nil {
		h.logger.Printf("failed to build auth snapshot for %s: %v", p.ID, err)
		return
	}
	if err := h.hub.Unicast(rc, snapshot); err != nil {
		return
	}
	go h.hub.BroadcastLeaderboard(context.Background(), raceID, false)

	h.modLoop(conn, rc, raceID, p.ID)
}

// authenticate reads exactly one frame and requires it to be a valid
// auth message. Every failure maps to a distinct close code so clients
// can branch without parsing reason strings.
func (h *Handler) authenticate(ctx context.Context, conn *websocket.Conn, raceID string, timeout time.Duration) authResult {
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return authResult{closeCode: server.CloseAuthTimeout, reason: "auth timeout"}
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := server.DecodeInbound(payload)
	if err != nil || msg.Kind != server.InboundAuth || msg.ModToken == "" {
		return authResult{closeCode: server.CloseAuthMalformed, reason: "expected auth"}
	}

	p, err := h.auth.ParticipantByToken(ctx, raceID, msg.ModToken)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownToken) {
			return authResult{closeCode: server.CloseAuthUnknownToken, reason: "unknown token"}
		}
		h.logger.Printf("token lookup failed for race %s: %v", raceID, err)
		return authResult{closeCode: server.CloseAuthUnknownToken, reason: "unknown token"}
	}
	if p.Status.Terminal() {
		return authResult{closeCode: server.CloseRaceTerminal, reason: "participant is done"}
	}
	return authResult{participant: p}
}

// rejectConn sends an auth_error frame, then a close frame carrying the
// code, then tears the connection down.
func (h *Handler) rejectConn(conn *websocket.Conn, raceID string, code int, reason string) {
	deadline := time.Now().Add(h.hub.Config().WriteWait)
	conn.SetWriteDeadline(deadline)
	if data, err := server.EncodeAuthError(reason); err == nil {
		conn.WriteMessage(websocket.TextMessage, data)
	}
	conn.SetWriteDeadline(deadline)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()

	lognet.ModRejected(context.Background(), h.publisher, raceID,
		logging.EntityRef{Kind: logging.EntityKindParticipant},
		lognet.RejectPayload{Reason: reason, CloseCode: code})
}

// modLoop dispatches frames from an authenticated mod. Malformed and
// unknown frames are logged and skipped; the connection only closes on
// a read error. The limiter sheds telemetry floods without
// disconnecting the runner.
func (h *Handler) modLoop(conn *websocket.Conn, rc *server.Conn, raceID, participantID string) {
	cfg := h.hub.Config()
	limiter := rate.NewLimiter(rate.Limit(cfg.InboundPerSecond), cfg.InboundBurst)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			go h.hub.BroadcastLeaderboard(context.Background(), raceID, false)
			return
		}
		if !limiter.Allow() {
			h.logger.Printf("rate limit: dropping frame from %s", participantID)
			continue
		}

		msg, err := server.DecodeInbound(payload)
		if err != nil {
			h.logger.Printf("discarding malformed frame from %s: %v", participantID, err)
			continue
		}

		ctx := context.Background()
		switch msg.Kind {
		case server.InboundReady:
			err = h.hub.HandleReady(ctx, raceID, participantID)
		case server.InboundStatusUpdate:
			err = h.hub.HandleStatusUpdate(ctx, raceID, participantID, msg)
		case server.InboundEventFlag:
			err = h.hub.HandleEventFlag(ctx, raceID, participantID, msg)
		case server.InboundFinished:
			err = h.hub.HandleFinished(ctx, raceID, participantID, msg)
		case server.InboundZoneQuery:
			err = h.hub.HandleZoneQuery(ctx, raceID, participantID, rc, msg)
		case server.InboundPong:
			// Liveness is confirmed by the read itself.
		case server.InboundAuth:
			h.logger.Printf("ignoring repeated auth from %s", participantID)
		default:
			h.logger.Printf("ignoring unknown frame type %q from %s", msg.Raw, participantID)
		}
		if err != nil {
			h.logger.Printf("failed to handle %s from %s: %v", msg.Kind, participantID, err)
		}
	}
}
