package network

import (
	"context"

	"relicrace/server/logging"
)

const (
	// EventModConnected is emitted when a mod connection is admitted.
	EventModConnected logging.EventType = "network.mod_connected"
	// EventModRejected is emitted when admission or authentication fails.
	EventModRejected logging.EventType = "network.mod_rejected"
	// EventConnectionPruned is emitted when a broadcast send failure evicts a connection.
	EventConnectionPruned logging.EventType = "network.connection_pruned"
	// EventSpectatorJoined is emitted when a spectator connection is admitted.
	EventSpectatorJoined logging.EventType = "network.spectator_joined"
)

// RejectPayload captures the close code sent to a rejected connection.
type RejectPayload struct {
	Reason    string `json:"reason"`
	CloseCode int    `json:"closeCode"`
}

// PrunePayload captures which audience a pruned connection belonged to.
type PrunePayload struct {
	Audience string `json:"audience"`
}

// ModConnected publishes an admission event.
func ModConnected(ctx context.Context, pub logging.Publisher, raceID string, actor logging.EntityRef) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventModConnected,
		RaceID:   raceID,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
	})
}

// ModRejected publishes a rejection event.
func ModRejected(ctx context.Context, pub logging.Publisher, raceID string, actor logging.EntityRef, payload RejectPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventModRejected,
		RaceID:   raceID,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// ConnectionPruned publishes an eviction event after a failed send.
func ConnectionPruned(ctx context.Context, pub logging.Publisher, raceID string, actor logging.EntityRef, payload PrunePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionPruned,
		RaceID:   raceID,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// SpectatorJoined publishes a spectator admission event.
func SpectatorJoined(ctx context.Context, pub logging.Publisher, raceID string, actor logging.EntityRef) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSpectatorJoined,
		RaceID:   raceID,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
	})
}
