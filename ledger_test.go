package server

import (
	"testing"
	"time"

	"relicrace/server/internal/race"
	"relicrace/server/internal/telemetry"
)

func newPlayingParticipant(t *testing.T) *race.Participant {
	t.Helper()
	g := testGraph(t)
	p := &race.Participant{ID: "runner", RaceID: "r", Status: race.ParticipantReady}
	if !ensurePlaying(p, g, time.Unix(100, 0)) {
		t.Fatalf("expected READY participant to start playing")
	}
	return p
}

func TestEnsurePlayingSeedsStartNode(t *testing.T) {
	p := newPlayingParticipant(t)

	if p.Status != race.ParticipantPlaying {
		t.Fatalf("expected PLAYING, got %s", p.Status)
	}
	if p.CurrentZone != "limveld" {
		t.Fatalf("expected start node limveld, got %q", p.CurrentZone)
	}
	if p.CurrentLayer != 0 {
		t.Fatalf("expected layer 0, got %d", p.CurrentLayer)
	}
	if len(p.ZoneHistory) != 1 || p.ZoneHistory[0].NodeID != "limveld" || p.ZoneHistory[0].IGTMillis != 0 {
		t.Fatalf("expected seeded history entry, got %+v", p.ZoneHistory)
	}
	if p.LastProgressAt == nil {
		t.Fatalf("expected progress timestamp to be set")
	}
}

func TestEnsurePlayingOnlyFromReady(t *testing.T) {
	g := testGraph(t)
	for _, status := range []race.ParticipantStatus{
		race.ParticipantRegistered,
		race.ParticipantPlaying,
		race.ParticipantFinished,
		race.ParticipantAbandoned,
	} {
		p := &race.Participant{ID: "runner", Status: status}
		if ensurePlaying(p, g, time.Unix(100, 0)) {
			t.Fatalf("expected no transition from %s", status)
		}
		if p.Status != status {
			t.Fatalf("status mutated from %s to %s", status, p.Status)
		}
	}
}

func TestApplyFlagNewNodeRaisesLayer(t *testing.T) {
	p := newPlayingParticipant(t)
	g := testGraph(t)

	out := applyFlag(p, g, flagCrater, 60_000, time.Unix(160, 0), quietLogger())
	if !out.changed || !out.newNode {
		t.Fatalf("expected a new-node change, got %+v", out)
	}
	if p.CurrentZone != "crater" || p.CurrentLayer != 1 {
		t.Fatalf("expected crater at layer 1, got %q layer %d", p.CurrentZone, p.CurrentLayer)
	}
	if len(p.ZoneHistory) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(p.ZoneHistory))
	}
	if p.IGTMillis != 60_000 {
		t.Fatalf("expected igt stamped, got %d", p.IGTMillis)
	}
}

func TestApplyFlagIdempotent(t *testing.T) {
	p := newPlayingParticipant(t)
	g := testGraph(t)

	applyFlag(p, g, flagCrater, 60_000, time.Unix(160, 0), quietLogger())
	out := applyFlag(p, g, flagCrater, 61_000, time.Unix(161, 0), quietLogger())
	if out.newNode {
		t.Fatalf("revisit must not append history")
	}
	if len(p.ZoneHistory) != 2 {
		t.Fatalf("expected history unchanged at 2 entries, got %d", len(p.ZoneHistory))
	}
	if p.ZoneHistory[1].IGTMillis != 60_000 {
		t.Fatalf("first-visit igt must be preserved, got %d", p.ZoneHistory[1].IGTMillis)
	}
}

func TestApplyFlagRejectsLowerLayer(t *testing.T) {
	p := newPlayingParticipant(t)
	g := testGraph(t)

	applyFlag(p, g, flagCastle, 90_000, time.Unix(190, 0), quietLogger())
	if p.CurrentLayer != 2 {
		t.Fatalf("expected layer 2 after castle, got %d", p.CurrentLayer)
	}

	out := applyFlag(p, g, flagCrater, 95_000, time.Unix(195, 0), quietLogger())
	if out.changed {
		t.Fatalf("lower-layer flag must be rejected, got %+v", out)
	}
	if p.CurrentLayer != 2 || p.CurrentZone != "castle" {
		t.Fatalf("ledger mutated by rejected flag: %q layer %d", p.CurrentZone, p.CurrentLayer)
	}
}

func TestApplyFlagRevisitMovesDisplayOnly(t *testing.T) {
	p := newPlayingParticipant(t)
	g := testGraph(t)

	// Stormhill is layer 0, same as the current layer, and already the
	// start node's sibling; a revisit of limveld after moving moves the
	// display position back without touching history.
	applyFlag(p, g, flagStorm, 30_000, time.Unix(130, 0), quietLogger())
	if p.CurrentZone != "stormhill" {
		t.Fatalf("expected stormhill, got %q", p.CurrentZone)
	}

	out := applyFlag(p, g, flagStorm, 31_000, time.Unix(131, 0), quietLogger())
	if out.newNode || len(p.ZoneHistory) != 2 {
		t.Fatalf("revisit appended history: %+v", p.ZoneHistory)
	}
}

func TestApplyFlagUnknownIgnored(t *testing.T) {
	p := newPlayingParticipant(t)
	g := testGraph(t)

	out := applyFlag(p, g, flagUnbound, 40_000, time.Unix(140, 0), quietLogger())
	if out.changed {
		t.Fatalf("unknown flag must not change the ledger")
	}
	if len(p.ZoneHistory) != 1 {
		t.Fatalf("unknown flag appended history")
	}
}

func TestApplyFlagFinishFlag(t *testing.T) {
	p := newPlayingParticipant(t)
	g := testGraph(t)

	out := applyFlag(p, g, testFinish, 120_000, time.Unix(220, 0), quietLogger())
	if !out.finished || !out.changed {
		t.Fatalf("expected finish, got %+v", out)
	}
	if p.Status != race.ParticipantFinished {
		t.Fatalf("expected FINISHED, got %s", p.Status)
	}
	if p.IGTMillis != 120_000 {
		t.Fatalf("expected final igt 120000, got %d", p.IGTMillis)
	}
}

func TestApplyFinishTerminalIsFrozen(t *testing.T) {
	p := newPlayingParticipant(t)
	applyFinish(p, 120_000, time.Unix(220, 0))

	out := applyFinish(p, 999_000, time.Unix(320, 0))
	if out.changed {
		t.Fatalf("second finish must be a no-op")
	}
	if p.IGTMillis != 120_000 {
		t.Fatalf("final igt mutated to %d", p.IGTMillis)
	}

	g := testGraph(t)
	if out := applyFlag(p, g, flagCrater, 130_000, time.Unix(230, 0), quietLogger()); out.changed {
		t.Fatalf("flag applied to a terminal ledger")
	}
	if out := applyStatusUpdate(p, 130_000, 5, time.Unix(230, 0), quietLogger()); out.changed {
		t.Fatalf("status update applied to a terminal ledger")
	}
}

func TestApplyStatusUpdateDeathDelta(t *testing.T) {
	p := newPlayingParticipant(t)
	g := testGraph(t)
	applyFlag(p, g, flagCrater, 60_000, time.Unix(160, 0), quietLogger())

	out := applyStatusUpdate(p, 65_000, 3, time.Unix(165, 0), quietLogger())
	if !out.changed {
		t.Fatalf("expected a change")
	}
	if p.DeathCount != 3 {
		t.Fatalf("expected death count 3, got %d", p.DeathCount)
	}
	// The delta lands on the crater entry, the current zone.
	if p.ZoneHistory[1].Deaths != 3 {
		t.Fatalf("expected 3 deaths on crater, got %+v", p.ZoneHistory)
	}
	if p.ZoneHistory[0].Deaths != 0 {
		t.Fatalf("deaths attributed to the wrong zone: %+v", p.ZoneHistory)
	}
}

func TestApplyStatusUpdateNegativeDeltaLoggedNotApplied(t *testing.T) {
	p := newPlayingParticipant(t)
	p.DeathCount = 4
	logged := false
	logger := telemetry.LoggerFunc(func(string, ...any) { logged = true })

	out := applyStatusUpdate(p, 10_000, 2, time.Unix(110, 0), logger)
	if p.DeathCount != 4 {
		t.Fatalf("regressed death count applied: %d", p.DeathCount)
	}
	if !logged {
		t.Fatalf("expected the regression to be logged")
	}
	_ = out
}

func TestStampIGTRefreshesProgress(t *testing.T) {
	p := newPlayingParticipant(t)
	before := *p.LastProgressAt

	if stampIGT(p, p.IGTMillis, time.Unix(500, 0)) {
		t.Fatalf("identical igt must not count as progress")
	}
	if !p.LastProgressAt.Equal(before) {
		t.Fatalf("progress timestamp refreshed without progress")
	}

	if !stampIGT(p, p.IGTMillis+1000, time.Unix(500, 0)) {
		t.Fatalf("changed igt must count as progress")
	}
	if !p.LastProgressAt.Equal(time.Unix(500, 0)) {
		t.Fatalf("progress timestamp not refreshed")
	}
}
