package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"relicrace/server/internal/gamedata"
	"relicrace/server/internal/i18n"
	"relicrace/server/internal/relay"
	"relicrace/server/internal/seed"
	"relicrace/server/internal/store"
	"relicrace/server/internal/telemetry"
	"relicrace/server/logging"
	lognet "relicrace/server/logging/network"
)

// ErrDuplicateConnection is returned when a participant already has a
// live mod connection. The existing connection stays; the newcomer is
// rejected so a stale client cannot be evicted by an attacker opening a
// second connection.
var ErrDuplicateConnection = errors.New("server: participant already connected")

// Registry is the injectable connection-registry contract. The Hub is
// the process-local implementation; a distributed deployment can back
// it with a shared pub/sub bus without changing call sites.
type Registry interface {
	Start()
	Stop(ctx context.Context) error
}

// Audience selects who receives a broadcast.
type Audience int

const (
	AudienceMods Audience = iota
	AudienceSpectators
	AudienceAll
)

// wsConn is the slice of *websocket.Conn the hub needs. Tests supply
// recording implementations.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn pairs a connection with its write mutex and the heartbeat
// task that owns it. Teardown cancels and awaits the heartbeat, never
// fire-and-forgets it.
type Conn struct {
	conn wsConn
	mu   sync.Mutex

	pingCancel context.CancelFunc
	pingDone   chan struct{}
}

func (c *Conn) write(data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) writePayload(payload any, writeWait time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.write(data, time.Now().Add(writeWait))
}

func (c *Conn) close() {
	c.conn.Close()
}

// room holds the live connections for one race (or training session):
// at most one mod connection per participant, and any number of
// spectators. Admission and eviction race against each other on
// reconnects, so all mutations go through the room mutex.
type room struct {
	key string

	mu            sync.Mutex
	mods          map[string]*Conn
	spectators    map[uint64]*Conn
	nextSpectator uint64
}

// HubConfig carries the tunables for the connection registry.
type HubConfig struct {
	WriteWait         time.Duration
	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration
	InactivityTimeout time.Duration
	ReaperInterval    time.Duration
	InboundPerSecond  float64
	InboundBurst      int
	Logger            telemetry.Logger
	Clock             logging.Clock
}

// DefaultHubConfig returns production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteWait:         defaultWriteWait,
		HeartbeatInterval: defaultHeartbeatInterval,
		AuthTimeout:       defaultAuthTimeout,
		InactivityTimeout: defaultInactivityTimeout,
		ReaperInterval:    defaultReaperInterval,
		InboundPerSecond:  defaultInboundPerSecond,
		InboundBurst:      defaultInboundBurst,
	}
}

// Normalized fills zero fields with defaults.
func (c HubConfig) Normalized() HubConfig {
	def := DefaultHubConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = def.InactivityTimeout
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = def.ReaperInterval
	}
	if c.InboundPerSecond <= 0 {
		c.InboundPerSecond = def.InboundPerSecond
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = def.InboundBurst
	}
	if c.Logger == nil {
		c.Logger = telemetry.WrapLogger(log.Default())
	}
	if c.Clock == nil {
		c.Clock = logging.SystemClock{}
	}
	return c
}

// HubDeps bundles the collaborators the hub drives.
type HubDeps struct {
	Store      store.Store
	Seeds      seed.Store
	GameData   *gamedata.Index
	Translator i18n.Translator
	Publisher  logging.Publisher
	Mirror     relay.Mirror
}

// Hub owns every live room and fans state out to its members.
type Hub struct {
	cfg        HubConfig
	logger     telemetry.Logger
	publisher  logging.Publisher
	store      store.Store
	seeds      seed.Store
	gamedata   *gamedata.Index
	translator i18n.Translator
	lifecycle  *Lifecycle
	mirror     relay.Mirror
	metrics    *telemetryCounters

	mu     sync.Mutex
	rooms  map[string]*room
	closed atomic.Bool
}

func NewHub(cfg HubConfig, deps HubDeps) *Hub {
	cfg = cfg.Normalized()
	publisher := deps.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	translator := deps.Translator
	if translator == nil {
		translator = i18n.Passthrough{}
	}
	metrics := newTelemetryCounters()
	h := &Hub{
		cfg:        cfg,
		logger:     cfg.Logger,
		publisher:  publisher,
		store:      deps.Store,
		seeds:      deps.Seeds,
		gamedata:   deps.GameData,
		translator: translator,
		mirror:     deps.Mirror,
		metrics:    metrics,
		rooms:      make(map[string]*room),
	}
	h.lifecycle = NewLifecycle(deps.Store, cfg.Logger, publisher, metrics)
	return h
}

// Config exposes the normalized configuration.
func (h *Hub) Config() HubConfig {
	return h.cfg
}

// Lifecycle exposes the race lifecycle controller shared with the REST
// edge and the reaper.
func (h *Hub) Lifecycle() *Lifecycle {
	return h.lifecycle
}

// GameData exposes the static index for zone resolution.
func (h *Hub) GameData() *gamedata.Index {
	return h.gamedata
}

// Seeds exposes the seed graph store.
func (h *Hub) Seeds() seed.Store {
	return h.seeds
}

// Store exposes the race/participant store.
func (h *Hub) Store() store.Store {
	return h.store
}

// Start implements Registry. Rooms are created lazily, so there is
// nothing to spin up.
func (h *Hub) Start() {}

// Stop implements Registry: closes every connection and awaits their
// heartbeat tasks.
func (h *Hub) Stop(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, rm := range h.rooms {
		rooms = append(rooms, rm)
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, rm := range rooms {
		rm.mu.Lock()
		conns := make([]*Conn, 0, len(rm.mods)+len(rm.spectators))
		for _, rc := range rm.mods {
			conns = append(conns, rc)
		}
		for _, rc := range rm.spectators {
			conns = append(conns, rc)
		}
		rm.mods = make(map[string]*Conn)
		rm.spectators = make(map[uint64]*Conn)
		rm.mu.Unlock()

		for _, rc := range conns {
			h.stopPinger(rc)
			rc.close()
		}
	}
	return nil
}

func (h *Hub) roomFor(key string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[key]
	if !ok {
		rm = &room{
			key:        key,
			mods:       make(map[string]*Conn),
			spectators: make(map[uint64]*Conn),
		}
		h.rooms[key] = rm
	}
	return rm
}

// maybeDestroyRoom drops the room once both collections are empty.
func (h *Hub) maybeDestroyRoom(rm *room) {
	rm.mu.Lock()
	empty := len(rm.mods) == 0 && len(rm.spectators) == 0
	rm.mu.Unlock()
	if !empty {
		return
	}
	h.mu.Lock()
	if current, ok := h.rooms[rm.key]; ok && current == rm {
		delete(h.rooms, rm.key)
	}
	h.mu.Unlock()
}

// AdmitMod registers the single live connection for a participant.
func (h *Hub) AdmitMod(roomKey, participantID string, conn wsConn) (*Conn, error) {
	rm := h.roomFor(roomKey)
	rm.mu.Lock()
	if _, exists := rm.mods[participantID]; exists {
		rm.mu.Unlock()
		h.metrics.IncrementDuplicateAdmission()
		return nil, ErrDuplicateConnection
	}
	rc := &Conn{conn: conn}
	rm.mods[participantID] = rc
	rm.mu.Unlock()

	h.startPinger(rc, roomKey, participantID)
	lognet.ModConnected(context.Background(), h.publisher, roomKey,
		logging.EntityRef{ID: participantID, Kind: logging.EntityKindParticipant})
	return rc, nil
}

// AdmitSpectator registers a spectator connection. Unbounded.
func (h *Hub) AdmitSpectator(roomKey string, conn wsConn) (*Conn, uint64) {
	rm := h.roomFor(roomKey)
	rm.mu.Lock()
	rm.nextSpectator++
	id := rm.nextSpectator
	rc := &Conn{conn: conn}
	rm.spectators[id] = rc
	rm.mu.Unlock()

	h.startPinger(rc, roomKey, "")
	lognet.SpectatorJoined(context.Background(), h.publisher, roomKey,
		logging.EntityRef{ID: roomKey, Kind: logging.EntityKindSpectator})
	return rc, id
}

// EvictMod removes a participant's connection. The Conn pointer is
// compared so a stale disconnect racing a reconnect cannot evict the
// fresh connection.
func (h *Hub) EvictMod(roomKey, participantID string, rc *Conn) {
	rm := h.roomFor(roomKey)
	rm.mu.Lock()
	if current, ok := rm.mods[participantID]; ok && current == rc {
		delete(rm.mods, participantID)
	}
	rm.mu.Unlock()

	h.stopPinger(rc)
	rc.close()
	h.maybeDestroyRoom(rm)
}

// EvictSpectator removes a spectator connection.
func (h *Hub) EvictSpectator(roomKey string, id uint64, rc *Conn) {
	rm := h.roomFor(roomKey)
	rm.mu.Lock()
	if current, ok := rm.spectators[id]; ok && current == rc {
		delete(rm.spectators, id)
	}
	rm.mu.Unlock()

	h.stopPinger(rc)
	rc.close()
	h.maybeDestroyRoom(rm)
}

// ModConnected reports whether a live connection exists for the
// participant. Feeds the connectivity flags in snapshots.
func (h *Hub) ModConnected(roomKey, participantID string) bool {
	h.mu.Lock()
	rm, ok := h.rooms[roomKey]
	h.mu.Unlock()
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, live := rm.mods[participantID]
	return live
}

type broadcastTarget struct {
	rc            *Conn
	participantID string
	spectatorID   uint64
	spectator     bool
}

// Broadcast fans a payload out to the selected audience. Delivery is
// best effort: sends run concurrently with a bounded write deadline,
// and a failed send evicts that connection without aborting the rest.
func (h *Hub) Broadcast(roomKey string, aud Audience, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("failed to marshal broadcast for %s: %v", roomKey, err)
		return
	}

	h.mu.Lock()
	rm, ok := h.rooms[roomKey]
	h.mu.Unlock()
	if !ok {
		if h.mirror != nil {
			h.mirror.Publish(context.Background(), roomKey, data)
		}
		return
	}

	rm.mu.Lock()
	targets := make([]broadcastTarget, 0, len(rm.mods)+len(rm.spectators))
	if aud == AudienceMods || aud == AudienceAll {
		for id, rc := range rm.mods {
			targets = append(targets, broadcastTarget{rc: rc, participantID: id})
		}
	}
	if aud == AudienceSpectators || aud == AudienceAll {
		for id, rc := range rm.spectators {
			targets = append(targets, broadcastTarget{rc: rc, spectatorID: id, spectator: true})
		}
	}
	rm.mu.Unlock()

	deadline := time.Now().Add(h.cfg.WriteWait)
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(t broadcastTarget) {
			defer wg.Done()
			if err := t.rc.write(data, deadline); err == nil {
				return
			}
			h.metrics.IncrementPruned()
			if t.spectator {
				h.logger.Printf("pruning spectator %d from %s after failed send", t.spectatorID, roomKey)
				lognet.ConnectionPruned(context.Background(), h.publisher, roomKey,
					logging.EntityRef{Kind: logging.EntityKindSpectator}, lognet.PrunePayload{Audience: "spectators"})
				h.EvictSpectator(roomKey, t.spectatorID, t.rc)
			} else {
				h.logger.Printf("pruning mod %s from %s after failed send", t.participantID, roomKey)
				lognet.ConnectionPruned(context.Background(), h.publisher, roomKey,
					logging.EntityRef{ID: t.participantID, Kind: logging.EntityKindParticipant},
					lognet.PrunePayload{Audience: "mods"})
				h.EvictMod(roomKey, t.participantID, t.rc)
			}
		}(target)
	}
	wg.Wait()

	h.metrics.RecordBroadcast(len(data), len(targets))
	if h.mirror != nil {
		h.mirror.Publish(context.Background(), roomKey, data)
	}
}

// Unicast sends a payload to a single connection.
func (h *Hub) Unicast(rc *Conn, payload any) error {
	return rc.writePayload(payload, h.cfg.WriteWait)
}

// startPinger runs the server-side heartbeat for one connection. It is
// independent of application traffic; failing to deliver a ping closes
// the connection, which unblocks the receive loop and triggers
// eviction. This is how half-open TCP connections get detected.
func (h *Hub) startPinger(rc *Conn, roomKey, participantID string) {
	ctx, cancel := context.WithCancel(context.Background())
	rc.pingCancel = cancel
	rc.pingDone = make(chan struct{})
	go func() {
		defer close(rc.pingDone)
		ticker := time.NewTicker(h.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rc.writePayload(newPingMessage(h.cfg.Clock.Now()), h.cfg.WriteWait); err != nil {
					if participantID != "" {
						h.logger.Printf("heartbeat failed for %s in %s: %v", participantID, roomKey, err)
					} else {
						h.logger.Printf("heartbeat failed for spectator in %s: %v", roomKey, err)
					}
					rc.close()
					return
				}
			}
		}
	}()
}

func (h *Hub) stopPinger(rc *Conn) {
	if rc.pingCancel == nil {
		return
	}
	rc.pingCancel()
	<-rc.pingDone
}

// TelemetrySnapshot exposes counters for the diagnostics endpoint.
func (h *Hub) TelemetrySnapshot() TelemetrySnapshot {
	return h.metrics.Snapshot()
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
