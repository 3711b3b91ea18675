package server

import (
	"context"
	"fmt"
	"time"

	"relicrace/server/internal/race"
	"relicrace/server/internal/seed"
	"relicrace/server/internal/zone"
	"relicrace/server/logging"
	loglifecycle "relicrace/server/logging/lifecycle"
)

// graphFor loads the layout graph for a race's seed.
func (h *Hub) graphFor(ctx context.Context, seedID string) (*seed.Graph, error) {
	g, err := h.seeds.Graph(ctx, seedID)
	if err != nil {
		return nil, fmt.Errorf("load seed %s: %w", seedID, err)
	}
	return g, nil
}

func (h *Hub) participantView(p *race.Participant, revealHistory bool) participantView {
	view := participantView{
		ID:           p.ID,
		Name:         p.Name,
		Status:       p.Status,
		CurrentZone:  p.CurrentZone,
		CurrentLayer: p.CurrentLayer,
		IGTMillis:    p.IGTMillis,
		DeathCount:   p.DeathCount,
		Connected:    h.ModConnected(p.RaceID, p.ID),
	}
	if revealHistory {
		view.ZoneHistory = append([]race.ZoneVisit(nil), p.ZoneHistory...)
	}
	return view
}

func (h *Hub) leaderboardViews(r *race.Race, revealHistory bool) []participantView {
	ordered := leaderboardOrder(r.Participants)
	views := make([]participantView, 0, len(ordered))
	for _, p := range ordered {
		views = append(views, h.participantView(p, revealHistory))
	}
	return views
}

// BroadcastLeaderboard fans the current ordering out to everyone in the
// room. History is revealed only once the race is over.
func (h *Hub) BroadcastLeaderboard(ctx context.Context, raceID string, revealHistory bool) {
	r, err := h.store.Race(ctx, raceID)
	if err != nil {
		h.logger.Printf("leaderboard broadcast skipped for %s: %v", raceID, err)
		return
	}
	h.Broadcast(raceID, AudienceAll, leaderboardUpdateMessage{
		Ver:          ProtocolVersion,
		Type:         "leaderboard_update",
		Participants: h.leaderboardViews(r, revealHistory),
	})
}

func (h *Hub) broadcastPlayerUpdate(p *race.Participant) {
	h.Broadcast(p.RaceID, AudienceSpectators, playerUpdateMessage{
		Ver:    ProtocolVersion,
		Type:   "player_update",
		Player: h.participantView(p, false),
	})
}

// BroadcastRaceStart tells every connected mod to unfreeze the runner.
func (h *Hub) BroadcastRaceStart(raceID string) {
	h.Broadcast(raceID, AudienceMods, raceStartMessage{Ver: ProtocolVersion, Type: "race_start"})
}

func (h *Hub) broadcastStatusChange(r *race.Race) {
	msg := raceStatusChangeMessage{Ver: ProtocolVersion, Type: "race_status_change", Status: r.Status}
	if r.StartedAt != nil {
		ms := r.StartedAt.UnixMilli()
		msg.StartedAt = &ms
	}
	h.Broadcast(r.ID, AudienceAll, msg)
}

// loadRunning fetches the race and rejects telemetry outside RUNNING.
// Late frames from a finished race are expected after the final
// broadcast; they are dropped without error.
func (h *Hub) loadRunning(ctx context.Context, raceID string) (*race.Race, bool, error) {
	r, err := h.store.Race(ctx, raceID)
	if err != nil {
		return nil, false, err
	}
	return r, r.Status == race.StatusRunning, nil
}

// HandleReady moves a REGISTERED participant to READY. Legal only while
// the race is still in SETUP; repeated ready frames are no-ops.
func (h *Hub) HandleReady(ctx context.Context, raceID, participantID string) error {
	r, err := h.store.Race(ctx, raceID)
	if err != nil {
		return err
	}
	if r.Status != race.StatusSetup {
		return nil
	}
	p, err := h.store.Participant(ctx, participantID)
	if err != nil {
		return err
	}
	if p.Status != race.ParticipantRegistered {
		return nil
	}
	p.Status = race.ParticipantReady
	if err := h.store.SaveParticipant(ctx, p); err != nil {
		return err
	}
	go h.BroadcastLeaderboard(context.Background(), raceID, false)
	return nil
}

// HandleStatusUpdate applies an igt/death-count frame.
func (h *Hub) HandleStatusUpdate(ctx context.Context, raceID, participantID string, msg InboundMessage) error {
	r, running, err := h.loadRunning(ctx, raceID)
	if err != nil || !running {
		return err
	}
	p, err := h.store.Participant(ctx, participantID)
	if err != nil {
		return err
	}
	g, err := h.graphFor(ctx, r.SeedID)
	if err != nil {
		return err
	}

	now := h.cfg.Clock.Now()
	started := ensurePlaying(p, g, now)
	out := applyStatusUpdate(p, msg.IGTMillis, msg.DeathCount, now, h.logger)
	if !started && !out.changed {
		return nil
	}
	if err := h.store.SaveParticipant(ctx, p); err != nil {
		return err
	}
	snapshot := p.Clone()
	go func() {
		h.broadcastPlayerUpdate(snapshot)
		h.BroadcastLeaderboard(context.Background(), raceID, false)
	}()
	return nil
}

// HandleEventFlag applies one progress flag. The finish flag routes
// into the same finish flow as an explicit finished frame.
func (h *Hub) HandleEventFlag(ctx context.Context, raceID, participantID string, msg InboundMessage) error {
	r, running, err := h.loadRunning(ctx, raceID)
	if err != nil || !running {
		return err
	}
	p, err := h.store.Participant(ctx, participantID)
	if err != nil {
		return err
	}
	g, err := h.graphFor(ctx, r.SeedID)
	if err != nil {
		return err
	}

	now := h.cfg.Clock.Now()
	started := ensurePlaying(p, g, now)
	out := applyFlag(p, g, msg.FlagID, msg.IGTMillis, now, h.logger)
	if !started && !out.changed {
		return nil
	}
	if err := h.store.SaveParticipant(ctx, p); err != nil {
		return err
	}
	if out.finished {
		return h.finishFlow(ctx, p)
	}
	snapshot := p.Clone()
	go func() {
		h.broadcastPlayerUpdate(snapshot)
		h.BroadcastLeaderboard(context.Background(), raceID, false)
	}()
	return nil
}

// HandleFinished applies an explicit completion frame.
func (h *Hub) HandleFinished(ctx context.Context, raceID, participantID string, msg InboundMessage) error {
	r, running, err := h.loadRunning(ctx, raceID)
	if err != nil || !running {
		return err
	}
	p, err := h.store.Participant(ctx, participantID)
	if err != nil {
		return err
	}
	g, err := h.graphFor(ctx, r.SeedID)
	if err != nil {
		return err
	}

	now := h.cfg.Clock.Now()
	ensurePlaying(p, g, now)
	out := applyFinish(p, msg.IGTMillis, now)
	if !out.changed {
		return nil
	}
	if err := h.store.SaveParticipant(ctx, p); err != nil {
		return err
	}
	return h.finishFlow(ctx, p)
}

// finishFlow runs after a participant reaches FINISHED: publish the
// lifecycle event, run the auto-finish check, and broadcast. If the
// race closed, the final leaderboard reveals zone history.
func (h *Hub) finishFlow(ctx context.Context, p *race.Participant) error {
	loglifecycle.ParticipantFinished(ctx, h.publisher, p.RaceID,
		logging.EntityRef{ID: p.ID, Kind: logging.EntityKindParticipant},
		loglifecycle.ParticipantFinishedPayload{IGTMillis: p.IGTMillis})

	raceDone, err := h.lifecycle.MaybeFinish(ctx, p.RaceID)
	if err != nil {
		h.logger.Printf("auto-finish check for %s failed: %v", p.RaceID, err)
	}

	raceID := p.RaceID
	snapshot := p.Clone()
	go func() {
		ctx := context.Background()
		h.broadcastPlayerUpdate(snapshot)
		if raceDone {
			if r, err := h.store.Race(ctx, raceID); err == nil {
				h.broadcastStatusChange(r)
			}
			h.BroadcastLeaderboard(ctx, raceID, true)
		} else {
			h.BroadcastLeaderboard(ctx, raceID, false)
		}
	}()
	return nil
}

// HandleZoneQuery resolves raw zone signals for a mod that cannot
// derive its node locally and replies on the asking connection. The
// resolved node also moves the runner's display position.
func (h *Hub) HandleZoneQuery(ctx context.Context, raceID, participantID string, rc *Conn, msg InboundMessage) error {
	r, running, err := h.loadRunning(ctx, raceID)
	if err != nil || !running {
		return err
	}
	g, err := h.graphFor(ctx, r.SeedID)
	if err != nil {
		return err
	}

	nodeID, ok := zone.Resolve(zone.Query{
		GraceEntityID: msg.GraceEntityID,
		MapID:         msg.MapID,
		Position:      msg.Position,
		PlayRegionID:  msg.PlayRegionID,
	}, g, h.gamedata)
	if !ok {
		h.logger.Printf("zone query from %s did not resolve (grace=%d map=%q)",
			participantID, msg.GraceEntityID, msg.MapID)
		return nil
	}
	node, _ := g.Node(nodeID)

	if err := h.Unicast(rc, zoneUpdateMessage{
		Ver:         ProtocolVersion,
		Type:        "zone_update",
		NodeID:      node.ID,
		DisplayName: h.translator.Translate(defaultLocale, node.DisplayName),
		Tier:        node.Tier,
		Exits:       node.Exits,
	}); err != nil {
		return err
	}

	p, err := h.store.Participant(ctx, participantID)
	if err != nil {
		return err
	}
	out := applyPositionHint(p, nodeID)
	if !out.changed {
		return nil
	}
	if err := h.store.SaveParticipant(ctx, p); err != nil {
		return err
	}
	snapshot := p.Clone()
	go h.broadcastPlayerUpdate(snapshot)
	return nil
}

// StartRace is the organizer action: transition, then notify mods and
// spectators. Shared by the REST edge.
func (h *Hub) StartRace(ctx context.Context, raceID string) (*race.Race, error) {
	r, err := h.lifecycle.Start(ctx, raceID, h.cfg.Clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	snapshot := r.Clone()
	go func() {
		h.BroadcastRaceStart(snapshot.ID)
		h.broadcastStatusChange(snapshot)
		h.BroadcastLeaderboard(context.Background(), snapshot.ID, false)
	}()
	return r, nil
}

// RaceStateSnapshot assembles the initial race_state payload for a
// spectator that just joined.
func (h *Hub) RaceStateSnapshot(ctx context.Context, raceID string) (raceStateMessage, error) {
	r, err := h.store.Race(ctx, raceID)
	if err != nil {
		return raceStateMessage{}, err
	}
	g, err := h.graphFor(ctx, r.SeedID)
	if err != nil {
		return raceStateMessage{}, err
	}
	return raceStateMessage{
		Ver:          ProtocolVersion,
		Type:         "race_state",
		Race:         newRaceView(r),
		Seed:         newSeedSpectatorView(r.SeedID, g),
		Participants: h.leaderboardViews(r, r.Status == race.StatusFinished),
	}, nil
}

// AuthSnapshot assembles the auth_ok payload for a mod that just
// authenticated.
func (h *Hub) AuthSnapshot(ctx context.Context, raceID, participantID string) (authOKMessage, error) {
	r, err := h.store.Race(ctx, raceID)
	if err != nil {
		return authOKMessage{}, err
	}
	g, err := h.graphFor(ctx, r.SeedID)
	if err != nil {
		return authOKMessage{}, err
	}
	return authOKMessage{
		Ver:           ProtocolVersion,
		Type:          "auth_ok",
		ParticipantID: participantID,
		Race:          newRaceView(r),
		Seed:          newSeedModView(r.SeedID, g),
		Participants:  h.leaderboardViews(r, false),
	}, nil
}

// ReapStale abandons participants whose progress stalled past the
// inactivity cutoff. Called by the reaper on its interval; returns the
// number abandoned.
func (h *Hub) ReapStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-h.cfg.InactivityTimeout)
	stale, err := h.store.StaleParticipants(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	finishedRaces := make(map[string]bool)
	touched := make(map[string]bool)
	for _, p := range stale {
		reason := "inactivity"
		if p.Status == race.ParticipantRegistered || p.Status == race.ParticipantReady {
			reason = "no_show"
		}
		raceDone, err := h.lifecycle.Abandon(ctx, p.ID, reason)
		if err != nil {
			h.logger.Printf("reaper failed to abandon %s: %v", p.ID, err)
			continue
		}
		reaped++
		touched[p.RaceID] = true
		if raceDone {
			finishedRaces[p.RaceID] = true
		}
	}
	h.metrics.AddReaped(reaped)

	for raceID := range touched {
		if finishedRaces[raceID] {
			if r, err := h.store.Race(ctx, raceID); err == nil {
				h.broadcastStatusChange(r)
			}
			h.BroadcastLeaderboard(ctx, raceID, true)
		} else {
			h.BroadcastLeaderboard(ctx, raceID, false)
		}
	}
	return reaped, nil
}
