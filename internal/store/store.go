// Package store defines the persistence contracts for races and
// participants. Race status transitions use optimistic concurrency:
// every status-changing write supplies the version it read, and a
// mismatch surfaces as ErrConflict rather than being silently ignored.
package store

import (
	"context"
	"errors"
	"time"

	"relicrace/server/internal/race"
)

var (
	// ErrNotFound marks a missing race or participant.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict marks a version or status mismatch on a conditional
	// race transition. Zero rows affected is the sole conflict signal.
	ErrConflict = errors.New("store: version conflict")
)

// RaceFields carries the optional extra columns a transition may set.
type RaceFields struct {
	StartedAt *time.Time
}

// RaceStore reads and transitions race rows.
type RaceStore interface {
	Race(ctx context.Context, id string) (*race.Race, error)
	CreateRace(ctx context.Context, r *race.Race) error
	// TransitionRace performs the single conditional write: it succeeds
	// only if the stored status is one of expected and the stored
	// version equals expectedVersion, incrementing the version by
	// exactly 1. On conflict it returns ErrConflict and changes
	// nothing.
	TransitionRace(ctx context.Context, id string, expected []race.Status, next race.Status, fields RaceFields, expectedVersion int64) error
}

// ParticipantStore reads and writes participant rows. Participant
// fields use ordinary transactional commits; only the owning mod
// connection (or the reaper, for status) writes them.
type ParticipantStore interface {
	Participant(ctx context.Context, id string) (*race.Participant, error)
	ParticipantByToken(ctx context.Context, raceID, tokenHash string) (*race.Participant, error)
	SaveParticipant(ctx context.Context, p *race.Participant) error
	// StaleParticipants returns candidates for abandonment: PLAYING
	// participants in a RUNNING race whose last progress predates
	// cutoff, plus REGISTERED/READY participants in a RUNNING race that
	// started before cutoff. Participants with a nil progress timestamp
	// are only ever matched by the second rule.
	StaleParticipants(ctx context.Context, cutoff time.Time) ([]*race.Participant, error)
}

// Store is the combined contract the engine is wired against.
type Store interface {
	RaceStore
	ParticipantStore
}
