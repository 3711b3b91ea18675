package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"relicrace/server/internal/race"
)

func TestAdmitModRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)

	first := &recordingConn{}
	rc, err := env.hub.AdmitMod(testRaceID, testPlayer1, first)
	if err != nil {
		t.Fatalf("first admission failed: %v", err)
	}

	second := &recordingConn{}
	if _, err := env.hub.AdmitMod(testRaceID, testPlayer1, second); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}
	if first.closed {
		t.Fatalf("existing connection must survive a duplicate attempt")
	}
	if !env.hub.ModConnected(testRaceID, testPlayer1) {
		t.Fatalf("participant should still be connected")
	}

	env.hub.EvictMod(testRaceID, testPlayer1, rc)
	if env.hub.ModConnected(testRaceID, testPlayer1) {
		t.Fatalf("participant still connected after eviction")
	}

	// After eviction a reconnect succeeds.
	if _, err := env.hub.AdmitMod(testRaceID, testPlayer1, &recordingConn{}); err != nil {
		t.Fatalf("reconnect after eviction failed: %v", err)
	}
}

func TestEvictModIgnoresStaleHandle(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)

	stale, err := env.hub.AdmitMod(testRaceID, testPlayer1, &recordingConn{})
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	env.hub.EvictMod(testRaceID, testPlayer1, stale)

	fresh, err := env.hub.AdmitMod(testRaceID, testPlayer1, &recordingConn{})
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}

	// A late disconnect of the old handle must not evict the fresh one.
	env.hub.EvictMod(testRaceID, testPlayer1, stale)
	if !env.hub.ModConnected(testRaceID, testPlayer1) {
		t.Fatalf("fresh connection evicted by stale handle")
	}
	env.hub.EvictMod(testRaceID, testPlayer1, fresh)
}

func TestBroadcastPrunesFailedConnections(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)

	healthy := &recordingConn{}
	broken := &recordingConn{failWrites: true}
	if _, err := env.hub.AdmitMod(testRaceID, testPlayer1, healthy); err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	if _, err := env.hub.AdmitMod(testRaceID, testPlayer2, broken); err != nil {
		t.Fatalf("admission failed: %v", err)
	}

	env.hub.Broadcast(testRaceID, AudienceAll, map[string]string{"type": "probe"})

	if healthy.frameCount() != 1 {
		t.Fatalf("healthy connection expected 1 frame, got %d", healthy.frameCount())
	}
	if env.hub.ModConnected(testRaceID, testPlayer2) {
		t.Fatalf("broken connection should have been pruned")
	}
	if !env.hub.ModConnected(testRaceID, testPlayer1) {
		t.Fatalf("healthy connection must survive a peer's failure")
	}
	if got := env.hub.TelemetrySnapshot().PrunedConnections; got != 1 {
		t.Fatalf("expected 1 pruned connection in telemetry, got %d", got)
	}
}

func TestBroadcastAudienceSelection(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)

	mod := &recordingConn{}
	watcher := &recordingConn{}
	if _, err := env.hub.AdmitMod(testRaceID, testPlayer1, mod); err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	env.hub.AdmitSpectator(testRaceID, watcher)

	env.hub.Broadcast(testRaceID, AudienceMods, map[string]string{"type": "mods-only"})
	env.hub.Broadcast(testRaceID, AudienceSpectators, map[string]string{"type": "spectators-only"})

	if mod.frameCount() != 1 {
		t.Fatalf("mod expected 1 frame, got %d", mod.frameCount())
	}
	if watcher.frameCount() != 1 {
		t.Fatalf("spectator expected 1 frame, got %d", watcher.frameCount())
	}
}

func TestHandleEventFlagBroadcastsLeaderboard(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)
	env.startRace(t)

	watcher := &recordingConn{}
	env.hub.AdmitSpectator(testRaceID, watcher)

	ctx := context.Background()
	if err := env.hub.HandleEventFlag(ctx, testRaceID, testPlayer1, InboundMessage{
		Kind: InboundEventFlag, FlagID: flagCrater, IGTMillis: 45_000,
	}); err != nil {
		t.Fatalf("event flag failed: %v", err)
	}

	p := env.participant(t, testPlayer1)
	if p.Status != race.ParticipantPlaying || p.CurrentZone != "crater" {
		t.Fatalf("expected PLAYING in crater, got %s in %q", p.Status, p.CurrentZone)
	}

	// player_update plus leaderboard_update arrive asynchronously.
	waitFrames(t, watcher, 2)
}

func TestFinishFlowClosesRaceAndRevealsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)
	env.startRace(t)

	watcher := &recordingConn{}
	env.hub.AdmitSpectator(testRaceID, watcher)

	ctx := context.Background()
	if err := env.hub.HandleEventFlag(ctx, testRaceID, testPlayer1, InboundMessage{
		Kind: InboundEventFlag, FlagID: testFinish, IGTMillis: 100_000,
	}); err != nil {
		t.Fatalf("finish flag failed: %v", err)
	}
	if err := env.hub.HandleFinished(ctx, testRaceID, testPlayer2, InboundMessage{
		Kind: InboundFinished, IGTMillis: 110_000,
	}); err != nil {
		t.Fatalf("finished frame failed: %v", err)
	}

	r, err := env.store.Race(ctx, testRaceID)
	if err != nil {
		t.Fatalf("failed to load race: %v", err)
	}
	if r.Status != race.StatusFinished {
		t.Fatalf("expected FINISHED race, got %s", r.Status)
	}

	// The final sequence ends with a history-revealing leaderboard;
	// broadcasts are asynchronous, so poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if leaderboardRevealsHistory(watcher) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the final leaderboard to reveal zone history")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func leaderboardRevealsHistory(conn *recordingConn) bool {
	conn.mu.Lock()
	frames := append([][]byte(nil), conn.frames...)
	conn.mu.Unlock()
	for _, frame := range frames {
		var msg struct {
			Type         string `json:"type"`
			Participants []struct {
				ZoneHistory []race.ZoneVisit `json:"zoneHistory"`
			} `json:"participants"`
		}
		if err := json.Unmarshal(frame, &msg); err != nil || msg.Type != "leaderboard_update" {
			continue
		}
		for _, p := range msg.Participants {
			if len(p.ZoneHistory) > 0 {
				return true
			}
		}
	}
	return false
}

func TestTelemetryIgnoredOutsideRunning(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)

	// Race still in SETUP: flags are dropped silently.
	ctx := context.Background()
	if err := env.hub.HandleEventFlag(ctx, testRaceID, testPlayer1, InboundMessage{
		Kind: InboundEventFlag, FlagID: flagCrater, IGTMillis: 45_000,
	}); err != nil {
		t.Fatalf("event flag errored: %v", err)
	}
	p := env.participant(t, testPlayer1)
	if p.Status != race.ParticipantRegistered || len(p.ZoneHistory) != 0 {
		t.Fatalf("telemetry applied outside RUNNING: %+v", p)
	}
}

func TestHandleReadyOnlyDuringSetup(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)

	ctx := context.Background()
	if err := env.hub.HandleReady(ctx, testRaceID, testPlayer1); err != nil {
		t.Fatalf("ready failed: %v", err)
	}
	if got := env.participant(t, testPlayer1).Status; got != race.ParticipantReady {
		t.Fatalf("expected READY, got %s", got)
	}

	// Repeated ready frames are no-ops.
	if err := env.hub.HandleReady(ctx, testRaceID, testPlayer1); err != nil {
		t.Fatalf("repeated ready errored: %v", err)
	}

	env.startRace(t)

	// Ready after start is ignored; p2 is already READY from startRace.
	if err := env.hub.HandleReady(ctx, testRaceID, testPlayer2); err != nil {
		t.Fatalf("late ready errored: %v", err)
	}
	if got := env.participant(t, testPlayer2).Status; got != race.ParticipantReady {
		t.Fatalf("late ready mutated status to %s", got)
	}
}

func TestHandleZoneQueryMovesDisplayPosition(t *testing.T) {
	env := newTestEnv(t)
	env.createRace(t)
	env.startRace(t)

	ctx := context.Background()
	// First telemetry puts p1 in PLAYING at the start node.
	if err := env.hub.HandleStatusUpdate(ctx, testRaceID, testPlayer1, InboundMessage{
		Kind: InboundStatusUpdate, IGTMillis: 1000,
	}); err != nil {
		t.Fatalf("status update failed: %v", err)
	}

	conn := &recordingConn{}
	rc, err := env.hub.AdmitMod(testRaceID, testPlayer1, conn)
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	defer env.hub.EvictMod(testRaceID, testPlayer1, rc)

	if err := env.hub.HandleZoneQuery(ctx, testRaceID, testPlayer1, rc, InboundMessage{
		Kind: InboundZoneQuery, GraceEntityID: 76131000,
	}); err != nil {
		t.Fatalf("zone query failed: %v", err)
	}

	waitFrames(t, conn, 1)
	var reply zoneUpdateMessage
	found := false
	conn.mu.Lock()
	for _, frame := range conn.frames {
		if err := json.Unmarshal(frame, &reply); err == nil && reply.Type == "zone_update" {
			found = true
			break
		}
	}
	conn.mu.Unlock()
	if !found || reply.NodeID != "crater" {
		t.Fatalf("expected crater zone_update, got %+v", reply)
	}

	p := env.participant(t, testPlayer1)
	if p.CurrentZone != "crater" {
		t.Fatalf("display position not moved, got %q", p.CurrentZone)
	}
	if len(p.ZoneHistory) != 1 {
		t.Fatalf("zone query must not append history: %+v", p.ZoneHistory)
	}
}
