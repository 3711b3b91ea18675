package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relicrace/server/internal/race"
)

// PG backs the Store contracts with PostgreSQL via pgxpool. The race
// transition is a single conditional UPDATE; "0 rows affected" is the
// only conflict signal, never a subsequent read.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS races (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	seed_id    TEXT NOT NULL,
	status     TEXT NOT NULL,
	version    BIGINT NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS participants (
	id               TEXT PRIMARY KEY,
	race_id          TEXT NOT NULL REFERENCES races(id),
	user_id          TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	token_hash       TEXT NOT NULL,
	current_zone     TEXT NOT NULL DEFAULT '',
	current_layer    INT NOT NULL DEFAULT 0,
	igt_ms           BIGINT NOT NULL DEFAULT 0,
	death_count      INT NOT NULL DEFAULT 0,
	zone_history     JSONB NOT NULL DEFAULT '[]',
	last_progress_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS participants_race_idx ON participants (race_id);
CREATE INDEX IF NOT EXISTS participants_token_idx ON participants (race_id, token_hash);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PG) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

func (s *PG) Race(ctx context.Context, id string) (*race.Race, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, seed_id, status, version, started_at FROM races WHERE id = $1`, id)
	var r race.Race
	var status string
	if err := row.Scan(&r.ID, &r.Name, &r.SeedID, &status, &r.Version, &r.StartedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load race %s: %w", id, err)
	}
	r.Status = race.Status(status)

	rows, err := s.pool.Query(ctx,
		`SELECT id, race_id, user_id, name, status, current_zone, current_layer,
		        igt_ms, death_count, zone_history, last_progress_at
		 FROM participants WHERE race_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("store: load participants for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		r.Participants = append(r.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load participants for %s: %w", id, err)
	}
	return &r, nil
}

func (s *PG) CreateRace(ctx context.Context, r *race.Race) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO races (id, name, seed_id, status, version, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Name, r.SeedID, string(r.Status), r.Version, r.StartedAt)
	if err != nil {
		return fmt.Errorf("store: create race %s: %w", r.ID, err)
	}
	return nil
}

func (s *PG) TransitionRace(ctx context.Context, id string, expected []race.Status, next race.Status, fields RaceFields, expectedVersion int64) error {
	statuses := make([]string, len(expected))
	for i, st := range expected {
		statuses[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE races
		 SET status = $1, version = version + 1, started_at = COALESCE($2, started_at)
		 WHERE id = $3 AND version = $4 AND status = ANY($5)`,
		string(next), fields.StartedAt, id, expectedVersion, statuses)
	if err != nil {
		return fmt.Errorf("store: transition race %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PG) Participant(ctx context.Context, id string) (*race.Participant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, race_id, user_id, name, status, current_zone, current_layer,
		        igt_ms, death_count, zone_history, last_progress_at
		 FROM participants WHERE id = $1`, id)
	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *PG) ParticipantByToken(ctx context.Context, raceID, tokenHash string) (*race.Participant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, race_id, user_id, name, status, current_zone, current_layer,
		        igt_ms, death_count, zone_history, last_progress_at
		 FROM participants WHERE race_id = $1 AND token_hash = $2`, raceID, tokenHash)
	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *PG) SaveParticipant(ctx context.Context, p *race.Participant) error {
	history, err := json.Marshal(p.ZoneHistory)
	if err != nil {
		return fmt.Errorf("store: encode history for %s: %w", p.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE participants
		 SET status = $1, current_zone = $2, current_layer = $3, igt_ms = $4,
		     death_count = $5, zone_history = $6, last_progress_at = $7
		 WHERE id = $8`,
		string(p.Status), p.CurrentZone, p.CurrentLayer, p.IGTMillis,
		p.DeathCount, history, p.LastProgressAt, p.ID)
	if err != nil {
		return fmt.Errorf("store: save participant %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PG) StaleParticipants(ctx context.Context, cutoff time.Time) ([]*race.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.race_id, p.user_id, p.name, p.status, p.current_zone,
		        p.current_layer, p.igt_ms, p.death_count, p.zone_history, p.last_progress_at
		 FROM participants p
		 JOIN races r ON r.id = p.race_id
		 WHERE r.status = 'RUNNING'
		   AND ((p.status = 'PLAYING' AND p.last_progress_at IS NOT NULL AND p.last_progress_at < $1)
		     OR (p.status IN ('REGISTERED', 'READY') AND r.started_at IS NOT NULL AND r.started_at < $1))`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: stale participants: %w", err)
	}
	defer rows.Close()
	var stale []*race.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: stale participants: %w", err)
	}
	return stale, nil
}

func scanParticipant(row pgx.Row) (*race.Participant, error) {
	var p race.Participant
	var status string
	var history []byte
	if err := row.Scan(&p.ID, &p.RaceID, &p.UserID, &p.Name, &status, &p.CurrentZone,
		&p.CurrentLayer, &p.IGTMillis, &p.DeathCount, &history, &p.LastProgressAt); err != nil {
		return nil, err
	}
	p.Status = race.ParticipantStatus(status)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &p.ZoneHistory); err != nil {
			return nil, fmt.Errorf("store: decode history for %s: %w", p.ID, err)
		}
	}
	return &p, nil
}
