package server

import (
	"context"
	"testing"
	"time"

	"relicrace/server/internal/race"
)

func TestReapStaleAbandonsSilentRunner(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)
	env.startRace(t)

	ctx := context.Background()
	now := env.clock.Now()

	// p1 last progressed 16 minutes ago, p2 two minutes ago.
	stale := now.Add(-16 * time.Minute)
	fresh := now.Add(-2 * time.Minute)
	for id, at := range map[string]time.Time{testPlayer1: stale, testPlayer2: fresh} {
		p := env.participant(t, id)
		p.Status = race.ParticipantPlaying
		p.LastProgressAt = &at
		if err := env.store.SaveParticipant(ctx, p); err != nil {
			t.Fatalf("failed to save participant: %v", err)
		}
	}

	reaped, err := env.hub.ReapStale(ctx, now)
	if err != nil {
		t.Fatalf("reap failed: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped, got %d", reaped)
	}
	if got := env.participant(t, testPlayer1).Status; got != race.ParticipantAbandoned {
		t.Fatalf("silent runner should be ABANDONED, got %s", got)
	}
	if got := env.participant(t, testPlayer2).Status; got != race.ParticipantPlaying {
		t.Fatalf("active runner must survive, got %s", got)
	}
	if got := env.hub.TelemetrySnapshot().ReapedParticipants; got != 1 {
		t.Fatalf("expected 1 reaped in telemetry, got %d", got)
	}
}

func TestReapStaleAbandonsNoShows(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)
	env.startRace(t)

	ctx := context.Background()
	// The race started "now"; a runner that never sent telemetry only
	// becomes a no-show once the start predates the cutoff.
	if reaped, err := env.hub.ReapStale(ctx, env.clock.Now()); err != nil || reaped != 0 {
		t.Fatalf("fresh race must not be reaped (reaped=%d err=%v)", reaped, err)
	}

	later := env.clock.Now().Add(16 * time.Minute)
	reaped, err := env.hub.ReapStale(ctx, later)
	if err != nil {
		t.Fatalf("reap failed: %v", err)
	}
	if reaped != 2 {
		t.Fatalf("expected both no-shows reaped, got %d", reaped)
	}

	// Both terminal, so the auto-finish check closed the race.
	r, _ := env.store.Race(ctx, testRaceID)
	if r.Status != race.StatusFinished {
		t.Fatalf("expected FINISHED after reaping everyone, got %s", r.Status)
	}
}

func TestReapStaleIgnoresSetupRaces(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)

	reaped, err := env.hub.ReapStale(context.Background(), env.clock.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("reap failed: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("SETUP races must never be reaped, got %d", reaped)
	}
}

func TestReaperStartStop(t *testing.T) {
	env := newTestEnv(t)
	reaper := NewReaper(env.hub)
	reaper.Start()
	reaper.Stop()
	// Stop with no prior Start is also safe.
	(&Reaper{}).Stop()
}
