package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"relicrace/server/internal/gamedata"
	"relicrace/server/internal/race"
	"relicrace/server/internal/seed"
	"relicrace/server/internal/store"
	"relicrace/server/internal/telemetry"
)

const (
	testSeedID  = "seed-1"
	testFinish  = uint32(9999)
	flagStorm   = uint32(1101)
	flagCrater  = uint32(1201)
	flagCastle  = uint32(1301)
	flagArena   = uint32(1401)
	flagUnbound = uint32(7777)
	testRaceID  = "race-1"
	testPlayer1 = "p1"
	testPlayer2 = "p2"
)

func testDocument() seed.Document {
	return seed.Document{
		StartNode:  "limveld",
		FinishFlag: testFinish,
		Nodes: []seed.Node{
			{ID: "limveld", DisplayName: "Limveld", Zones: []string{"limveld_gate", "limveld_plain"}, Layer: 0, Tier: 1, Exits: []string{"stormhill"}},
			{ID: "stormhill", DisplayName: "Stormhill", Zones: []string{"stormhill_ruins"}, Layer: 0, Tier: 1, Exits: []string{"crater"}},
			{ID: "crater", DisplayName: "The Crater", Zones: []string{"crater_rim"}, Layer: 1, Tier: 2, Exits: []string{"castle"}},
			{ID: "crater_depths", DisplayName: "Magma Channel", Zones: []string{"crater_depths"}, Layer: 1, Tier: 2},
			{ID: "castle", DisplayName: "Shifting Keep", Zones: []string{"castle_approach", "castle_court"}, Layer: 2, Tier: 3, Exits: []string{"arena"}},
			{ID: "arena", DisplayName: "Night Lord's Seat", Zones: []string{"nightlord_arena"}, Layer: 3, Tier: 4},
		},
		Flags: []seed.FlagBinding{
			{FlagID: flagStorm, NodeID: "stormhill"},
			{FlagID: flagCrater, NodeID: "crater"},
			{FlagID: flagCastle, NodeID: "castle"},
			{FlagID: flagArena, NodeID: "arena"},
		},
	}
}

func testGraph(t *testing.T) *seed.Graph {
	t.Helper()
	g, err := seed.Build(testDocument())
	if err != nil {
		t.Fatalf("failed to build test graph: %v", err)
	}
	return g
}

const testTablesJSON = `{
  "graces": [
    {"entityId": 76111000, "zone": "limveld_gate"},
    {"entityId": 76131000, "zone": "crater_rim"},
    {"entityId": 76131001, "zone": "crater_depths"},
    {"entityId": 76161000, "zone": "nightlord_arena"}
  ],
  "maps": [
    {"mapId": "m60_44_36_00", "zones": ["limveld_gate", "limveld_plain"], "defaultZone": "limveld_plain",
     "rules": [{"zone": "limveld_gate", "xBelow": -210.0}]},
    {"mapId": "m61_48_40_00", "zones": ["crater_rim", "crater_depths"],
     "rules": [{"zone": "crater_depths", "yBelow": -120.0}, {"zone": "crater_rim", "yAbove": -120.0}]},
    {"mapId": "m63_10_10_00", "zones": ["nightlord_arena"]}
  ]
}`

func testIndex(t *testing.T) *gamedata.Index {
	t.Helper()
	idx, err := gamedata.NewIndex(gamedata.MemorySource{Name: "test", Data: []byte(testTablesJSON)})
	if err != nil {
		t.Fatalf("failed to build test index: %v", err)
	}
	return idx
}

// stubClock is a manually advanced clock shared by tests.
type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock() *stubClock {
	return &stubClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() telemetry.Logger {
	return telemetry.LoggerFunc(func(string, ...any) {})
}

// recordingConn captures frames instead of writing to a socket.
type recordingConn struct {
	mu         sync.Mutex
	frames     [][]byte
	failWrites bool
	closed     bool
}

func (c *recordingConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errTestWrite
	}
	copied := append([]byte(nil), data...)
	c.frames = append(c.frames, copied)
	return nil
}

func (c *recordingConn) SetWriteDeadline(time.Time) error { return nil }

func (c *recordingConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

var errTestWrite = &testWriteError{}

type testWriteError struct{}

func (*testWriteError) Error() string { return "test: write refused" }

// waitFrames polls until the connection has at least n frames.
func waitFrames(t *testing.T, conn *recordingConn, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.frameCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, got %d", n, conn.frameCount())
}

type testEnv struct {
	hub   *Hub
	store *store.Memory
	clock *stubClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	seeds := seed.NewMemoryStore()
	if err := seeds.Register(testSeedID, testDocument()); err != nil {
		t.Fatalf("failed to register test seed: %v", err)
	}

	clock := newStubClock()
	cfg := DefaultHubConfig()
	cfg.Logger = quietLogger()
	cfg.Clock = clock

	hub := NewHub(cfg, HubDeps{
		Store:    mem,
		Seeds:    seeds,
		GameData: testIndex(t),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Stop(ctx)
	})
	return &testEnv{hub: hub, store: mem, clock: clock}
}

// createRace seeds the store with a SETUP race and two REGISTERED
// participants.
func (env *testEnv) createRace(t *testing.T) *race.Race {
	t.Helper()
	r := &race.Race{
		ID:     testRaceID,
		Name:   "Test Race",
		SeedID: testSeedID,
		Status: race.StatusSetup,
		Participants: []*race.Participant{
			{ID: testPlayer1, RaceID: testRaceID, Name: "Alice", Status: race.ParticipantRegistered},
			{ID: testPlayer2, RaceID: testRaceID, Name: "Bob", Status: race.ParticipantRegistered},
		},
	}
	if err := env.store.CreateRace(context.Background(), r); err != nil {
		t.Fatalf("failed to create test race: %v", err)
	}
	return r
}

// startRace drives the race to RUNNING with both participants READY.
func (env *testEnv) startRace(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{testPlayer1, testPlayer2} {
		p, err := env.store.Participant(ctx, id)
		if err != nil {
			t.Fatalf("failed to load participant %s: %v", id, err)
		}
		p.Status = race.ParticipantReady
		if err := env.store.SaveParticipant(ctx, p); err != nil {
			t.Fatalf("failed to ready participant %s: %v", id, err)
		}
	}
	if _, err := env.hub.StartRace(ctx, testRaceID); err != nil {
		t.Fatalf("failed to start race: %v", err)
	}
}

func (env *testEnv) participant(t *testing.T, id string) *race.Participant {
	t.Helper()
	p, err := env.store.Participant(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load participant %s: %v", id, err)
	}
	return p
}
