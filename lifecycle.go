package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relicrace/server/internal/race"
	"relicrace/server/internal/store"
	"relicrace/server/internal/telemetry"
	"relicrace/server/logging"
	loglifecycle "relicrace/server/logging/lifecycle"
)

// ErrRaceConflict is surfaced to callers when a concurrent transition
// won the version race. The caller re-reads and re-evaluates; the
// losing write changed nothing.
var ErrRaceConflict = errors.New("server: race transition conflict")

// ErrRaceNotRunnable is returned when a start request hits a race that
// is not in SETUP.
var ErrRaceNotRunnable = errors.New("server: race is not in setup")

// Lifecycle drives race status transitions. Every transition is one
// conditional write against the stored version, so N concurrent callers
// produce exactly one transition and N-1 conflicts.
type Lifecycle struct {
	store     store.Store
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   *telemetryCounters
}

func NewLifecycle(st store.Store, logger telemetry.Logger, publisher logging.Publisher, metrics *telemetryCounters) *Lifecycle {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Lifecycle{store: st, logger: logger, publisher: publisher, metrics: metrics}
}

// Start moves a race from SETUP to RUNNING and stamps the start time.
// Returns the updated race on success.
func (l *Lifecycle) Start(ctx context.Context, raceID string, now time.Time) (*race.Race, error) {
	r, err := l.store.Race(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if r.Status != race.StatusSetup {
		return nil, ErrRaceNotRunnable
	}
	err = l.store.TransitionRace(ctx, raceID,
		[]race.Status{race.StatusSetup}, race.StatusRunning,
		store.RaceFields{StartedAt: &now}, r.Version)
	if errors.Is(err, store.ErrConflict) {
		l.metrics.IncrementConflict()
		return nil, ErrRaceConflict
	}
	if err != nil {
		return nil, fmt.Errorf("start race %s: %w", raceID, err)
	}

	loglifecycle.RaceStarted(ctx, l.publisher, raceID,
		loglifecycle.RaceStatusPayload{Status: string(race.StatusRunning), Version: r.Version + 1})
	return l.store.Race(ctx, raceID)
}

// MaybeFinish checks whether every participant has reached a terminal
// status and, if so, closes the race. Called after every terminal
// participant transition; concurrent calls collapse to one FINISHED
// write because only the first conditional update finds the expected
// version. Returns true when this call performed the close.
func (l *Lifecycle) MaybeFinish(ctx context.Context, raceID string) (bool, error) {
	r, err := l.store.Race(ctx, raceID)
	if err != nil {
		return false, err
	}
	if r.Status != race.StatusRunning || !r.AllTerminal() {
		return false, nil
	}
	err = l.store.TransitionRace(ctx, raceID,
		[]race.Status{race.StatusRunning}, race.StatusFinished,
		store.RaceFields{}, r.Version)
	if errors.Is(err, store.ErrConflict) {
		// Someone else closed it, or the set of participants changed
		// under us. Either way the auto-finish check will run again on
		// the next terminal transition.
		l.metrics.IncrementConflict()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finish race %s: %w", raceID, err)
	}

	loglifecycle.RaceFinished(ctx, l.publisher, raceID,
		loglifecycle.RaceStatusPayload{Status: string(race.StatusFinished), Version: r.Version + 1})
	return true, nil
}

// Abandon marks one participant ABANDONED and runs the auto-finish
// check. Used by the inactivity reaper. Terminal participants are left
// alone so a reap racing a finish is harmless.
func (l *Lifecycle) Abandon(ctx context.Context, participantID, reason string) (bool, error) {
	p, err := l.store.Participant(ctx, participantID)
	if err != nil {
		return false, err
	}
	if p.Status.Terminal() {
		return false, nil
	}
	p.Status = race.ParticipantAbandoned
	if err := l.store.SaveParticipant(ctx, p); err != nil {
		return false, fmt.Errorf("abandon participant %s: %w", participantID, err)
	}

	loglifecycle.ParticipantAbandoned(ctx, l.publisher, p.RaceID,
		logging.EntityRef{ID: p.ID, Kind: logging.EntityKindParticipant},
		loglifecycle.ParticipantAbandonedPayload{Reason: reason})

	finished, err := l.MaybeFinish(ctx, p.RaceID)
	if err != nil {
		l.logger.Printf("auto-finish check after abandoning %s failed: %v", participantID, err)
		return false, nil
	}
	return finished, nil
}
