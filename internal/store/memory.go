package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"relicrace/server/internal/race"
)

// Memory is the in-process Store used by tests and single-node dev
// runs. All reads return deep clones so callers never share mutable
// state with the store.
type Memory struct {
	mu     sync.Mutex
	races  map[string]*race.Race
	tokens map[string]string // token hash -> participant id
}

func NewMemory() *Memory {
	return &Memory{
		races:  make(map[string]*race.Race),
		tokens: make(map[string]string),
	}
}

func (m *Memory) Race(ctx context.Context, id string) (*race.Race, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) CreateRace(ctx context.Context, r *race.Race) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	for _, p := range r.Participants {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.RaceID = r.ID
	}
	m.races[r.ID] = r.Clone()
	return nil
}

func (m *Memory) TransitionRace(ctx context.Context, id string, expected []race.Status, next race.Status, fields RaceFields, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[id]
	if !ok {
		return ErrNotFound
	}
	if r.Version != expectedVersion || !statusIn(r.Status, expected) {
		return ErrConflict
	}
	r.Status = next
	r.Version++
	if fields.StartedAt != nil {
		at := *fields.StartedAt
		r.StartedAt = &at
	}
	return nil
}

func (m *Memory) Participant(ctx context.Context, id string) (*race.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.findParticipant(id); p != nil {
		return p.Clone(), nil
	}
	return nil, ErrNotFound
}

// RegisterToken binds a hashed mod token to a participant.
func (m *Memory) RegisterToken(tokenHash, participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tokenHash] = participantID
}

func (m *Memory) ParticipantByToken(ctx context.Context, raceID, tokenHash string) (*race.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	p := m.findParticipant(id)
	if p == nil || p.RaceID != raceID {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) SaveParticipant(ctx context.Context, p *race.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[p.RaceID]
	if !ok {
		return ErrNotFound
	}
	for i, existing := range r.Participants {
		if existing.ID == p.ID {
			r.Participants[i] = p.Clone()
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) StaleParticipants(ctx context.Context, cutoff time.Time) ([]*race.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*race.Participant
	for _, r := range m.races {
		if r.Status != race.StatusRunning {
			continue
		}
		for _, p := range r.Participants {
			switch p.Status {
			case race.ParticipantPlaying:
				if p.LastProgressAt != nil && p.LastProgressAt.Before(cutoff) {
					stale = append(stale, p.Clone())
				}
			case race.ParticipantRegistered, race.ParticipantReady:
				if r.StartedAt != nil && r.StartedAt.Before(cutoff) {
					stale = append(stale, p.Clone())
				}
			}
		}
	}
	return stale, nil
}

func (m *Memory) findParticipant(id string) *race.Participant {
	for _, r := range m.races {
		if p := r.ParticipantByID(id); p != nil {
			return p
		}
	}
	return nil
}

func statusIn(s race.Status, set []race.Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
