package server

import (
	"time"

	"relicrace/server/internal/race"
	"relicrace/server/internal/seed"
	"relicrace/server/internal/telemetry"
)

// ledgerOutcome describes what a telemetry message actually changed, so
// callers know whether to persist and what to broadcast.
type ledgerOutcome struct {
	changed        bool
	newNode        bool
	finished       bool
	startedPlaying bool
	node           string
}

// ensurePlaying performs the implicit READY→PLAYING transition on the
// first telemetry update: the ledger is seeded with the graph's start
// node at layer 0, igt 0, before any other processing.
func ensurePlaying(p *race.Participant, g *seed.Graph, now time.Time) bool {
	if p.Status != race.ParticipantReady {
		return false
	}
	p.Status = race.ParticipantPlaying
	p.CurrentZone = g.StartNode()
	p.CurrentLayer = 0
	p.ZoneHistory = append(p.ZoneHistory, race.ZoneVisit{NodeID: g.StartNode(), IGTMillis: 0})
	at := now
	p.LastProgressAt = &at
	return true
}

// applyFlag processes one event_flag message. The finish-flag check is
// unconditional and happens before the flag-map lookup; the finish flag
// is never a key in the flag map.
func applyFlag(p *race.Participant, g *seed.Graph, flagID uint32, igtMillis int64, now time.Time, logger telemetry.Logger) ledgerOutcome {
	if flagID == g.FinishFlag() {
		return applyFinish(p, igtMillis, now)
	}
	if p.Status != race.ParticipantPlaying {
		return ledgerOutcome{}
	}

	nodeID, ok := g.NodeForFlag(flagID)
	if !ok {
		logger.Printf("ignoring unknown event flag %d from participant %s", flagID, p.ID)
		return ledgerOutcome{}
	}
	node, _ := g.Node(nodeID)

	// A flag from an earlier layer is late or duplicate delivery after
	// the runner has already progressed; applying it would corrupt
	// current_layer.
	if node.Layer < p.CurrentLayer {
		return ledgerOutcome{}
	}

	out := ledgerOutcome{node: nodeID}
	out.changed = stampIGT(p, igtMillis, now) || out.changed

	if p.Visited(nodeID) {
		// Revisit: display position moves, history and layer do not.
		if p.CurrentZone != nodeID {
			p.CurrentZone = nodeID
			out.changed = true
		}
		return out
	}

	p.ZoneHistory = append(p.ZoneHistory, race.ZoneVisit{NodeID: nodeID, IGTMillis: igtMillis})
	p.CurrentZone = nodeID
	if node.Layer > p.CurrentLayer {
		p.CurrentLayer = node.Layer
	}
	out.changed = true
	out.newNode = true
	return out
}

// applyFinish transitions the participant to FINISHED and freezes the
// ledger. Safe to call twice; terminal statuses never change.
func applyFinish(p *race.Participant, igtMillis int64, now time.Time) ledgerOutcome {
	if p.Status.Terminal() {
		return ledgerOutcome{}
	}
	p.Status = race.ParticipantFinished
	p.IGTMillis = igtMillis
	at := now
	p.LastProgressAt = &at
	return ledgerOutcome{changed: true, finished: true}
}

// applyStatusUpdate records in-game time and death-count telemetry.
// Death deltas are attributed to the history entry for the current
// zone; a negative delta is logged, not rejected, since client-reported
// counters can race.
func applyStatusUpdate(p *race.Participant, igtMillis int64, deathCount int, now time.Time, logger telemetry.Logger) ledgerOutcome {
	if p.Status != race.ParticipantPlaying {
		return ledgerOutcome{}
	}
	out := ledgerOutcome{}
	out.changed = stampIGT(p, igtMillis, now)

	delta := deathCount - p.DeathCount
	switch {
	case delta > 0:
		p.DeathCount = deathCount
		for i := range p.ZoneHistory {
			if p.ZoneHistory[i].NodeID == p.CurrentZone {
				p.ZoneHistory[i].Deaths += delta
				break
			}
		}
		out.changed = true
	case delta < 0:
		logger.Printf("death count regressed for participant %s: %d -> %d", p.ID, p.DeathCount, deathCount)
	}
	return out
}

// applyPositionHint moves the display position without touching history
// or layer. Used for ambiguous loading-screen signals.
func applyPositionHint(p *race.Participant, nodeID string) ledgerOutcome {
	if p.Status != race.ParticipantPlaying || nodeID == "" || p.CurrentZone == nodeID {
		return ledgerOutcome{node: nodeID}
	}
	p.CurrentZone = nodeID
	return ledgerOutcome{changed: true, node: nodeID}
}

// stampIGT records a changed in-game time and refreshes the staleness
// timestamp the reaper keys on.
func stampIGT(p *race.Participant, igtMillis int64, now time.Time) bool {
	if igtMillis == p.IGTMillis {
		return false
	}
	p.IGTMillis = igtMillis
	at := now
	p.LastProgressAt = &at
	return true
}
