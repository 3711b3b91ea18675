// Package race holds the domain types shared by the sync engine, the
// stores, and the HTTP/WebSocket edges.
package race

import "time"

// Status is the lifecycle status of a race.
type Status string

const (
	StatusSetup    Status = "SETUP"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
)

// ParticipantStatus tracks a single runner through the race.
type ParticipantStatus string

const (
	ParticipantRegistered ParticipantStatus = "REGISTERED"
	ParticipantReady      ParticipantStatus = "READY"
	ParticipantPlaying    ParticipantStatus = "PLAYING"
	ParticipantFinished   ParticipantStatus = "FINISHED"
	ParticipantAbandoned  ParticipantStatus = "ABANDONED"
)

// Terminal reports whether the status can never change again.
func (s ParticipantStatus) Terminal() bool {
	return s == ParticipantFinished || s == ParticipantAbandoned
}

// ZoneVisit is one entry of the append-only progress ledger. Exactly one
// entry exists per node the runner has ever discovered.
type ZoneVisit struct {
	NodeID    string `json:"nodeId"`
	IGTMillis int64  `json:"igtMs"`
	Deaths    int    `json:"deaths,omitempty"`
}

// Participant is the authoritative progress record for one runner.
// Only the runner's own mod connection writes these fields, except for
// Status which the inactivity reaper may set to ABANDONED.
type Participant struct {
	ID           string
	RaceID       string
	UserID       string
	Name         string
	Status       ParticipantStatus
	CurrentZone  string
	CurrentLayer int
	IGTMillis    int64
	DeathCount   int
	ZoneHistory  []ZoneVisit
	// LastProgressAt records the last time IGTMillis changed. Nil until
	// the first telemetry update lands.
	LastProgressAt *time.Time
}

// Visited reports whether the node already appears in the ledger.
func (p *Participant) Visited(nodeID string) bool {
	for _, visit := range p.ZoneHistory {
		if visit.NodeID == nodeID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand across goroutines.
func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	cloned := *p
	if len(p.ZoneHistory) > 0 {
		cloned.ZoneHistory = append([]ZoneVisit(nil), p.ZoneHistory...)
	}
	if p.LastProgressAt != nil {
		at := *p.LastProgressAt
		cloned.LastProgressAt = &at
	}
	return &cloned
}

// Caster is a read-only spectator with elevated view rights. Casters are
// not participants and never appear on the leaderboard.
type Caster struct {
	ID     string
	UserID string
	Name   string
}

// Race owns an ordered collection of participants and casters. Version
// is the optimistic-concurrency counter: every status-changing write
// supplies the version it read and increments it atomically.
type Race struct {
	ID           string
	Name         string
	SeedID       string
	Status       Status
	Version      int64
	StartedAt    *time.Time
	Participants []*Participant
	Casters      []Caster
}

// AllTerminal reports whether every participant is FINISHED or
// ABANDONED. A race with no participants is never considered done.
func (r *Race) AllTerminal() bool {
	if len(r.Participants) == 0 {
		return false
	}
	for _, p := range r.Participants {
		if !p.Status.Terminal() {
			return false
		}
	}
	return true
}

// ParticipantByID returns the participant owned by this race, or nil.
func (r *Race) ParticipantByID(id string) *Participant {
	for _, p := range r.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Clone returns a deep copy of the race and its participants.
func (r *Race) Clone() *Race {
	if r == nil {
		return nil
	}
	cloned := *r
	if r.StartedAt != nil {
		at := *r.StartedAt
		cloned.StartedAt = &at
	}
	if len(r.Participants) > 0 {
		cloned.Participants = make([]*Participant, len(r.Participants))
		for i, p := range r.Participants {
			cloned.Participants[i] = p.Clone()
		}
	}
	if len(r.Casters) > 0 {
		cloned.Casters = append([]Caster(nil), r.Casters...)
	}
	return &cloned
}
