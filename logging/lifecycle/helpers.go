package lifecycle

import (
	"context"

	"relicrace/server/logging"
)

const (
	// EventRaceStarted is emitted when a race transitions to RUNNING.
	EventRaceStarted logging.EventType = "lifecycle.race_started"
	// EventRaceFinished is emitted when the auto-finish check closes a race.
	EventRaceFinished logging.EventType = "lifecycle.race_finished"
	// EventParticipantFinished is emitted when a runner completes the seed.
	EventParticipantFinished logging.EventType = "lifecycle.participant_finished"
	// EventParticipantAbandoned is emitted when the reaper abandons a stale runner.
	EventParticipantAbandoned logging.EventType = "lifecycle.participant_abandoned"
)

// RaceStatusPayload captures the version the transition was applied at.
type RaceStatusPayload struct {
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

// ParticipantFinishedPayload captures the final time of a runner.
type ParticipantFinishedPayload struct {
	IGTMillis int64 `json:"igtMs"`
}

// ParticipantAbandonedPayload captures why the runner was reaped.
type ParticipantAbandonedPayload struct {
	Reason string `json:"reason"`
}

// RaceStarted publishes a race start event.
func RaceStarted(ctx context.Context, pub logging.Publisher, raceID string, payload RaceStatusPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRaceStarted,
		RaceID:   raceID,
		Actor:    logging.EntityRef{ID: raceID, Kind: logging.EntityKindRace},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// RaceFinished publishes a race completion event.
func RaceFinished(ctx context.Context, pub logging.Publisher, raceID string, payload RaceStatusPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRaceFinished,
		RaceID:   raceID,
		Actor:    logging.EntityRef{ID: raceID, Kind: logging.EntityKindRace},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// ParticipantFinished publishes a runner completion event.
func ParticipantFinished(ctx context.Context, pub logging.Publisher, raceID string, actor logging.EntityRef, payload ParticipantFinishedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventParticipantFinished,
		RaceID:   raceID,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// ParticipantAbandoned publishes a reaper abandonment event.
func ParticipantAbandoned(ctx context.Context, pub logging.Publisher, raceID string, actor logging.EntityRef, payload ParticipantAbandonedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventParticipantAbandoned,
		RaceID:   raceID,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}
