package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound marks a missing seed row.
var ErrNotFound = errors.New("seed: not found")

// PGStore loads seed graphs persisted as JSONB documents.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const pgSeedSchema = `
CREATE TABLE IF NOT EXISTS seeds (
	id    TEXT PRIMARY KEY,
	graph JSONB NOT NULL
);
`

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSeedSchema); err != nil {
		return fmt.Errorf("seed: ensure schema: %w", err)
	}
	return nil
}

func (s *PGStore) Graph(ctx context.Context, seedID string) (*Graph, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT graph FROM seeds WHERE id = $1`, seedID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("seed: load %s: %w", seedID, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("seed: parse %s: %w", seedID, err)
	}
	return Build(doc)
}

// MemoryStore holds graphs registered at runtime. Tests and single-node
// dev runs use it in place of PGStore.
type MemoryStore struct {
	graphs map[string]*Graph
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{graphs: make(map[string]*Graph)}
}

// Register builds and stores a graph under the seed id.
func (s *MemoryStore) Register(seedID string, doc Document) error {
	graph, err := Build(doc)
	if err != nil {
		return err
	}
	s.graphs[seedID] = graph
	return nil
}

func (s *MemoryStore) Graph(ctx context.Context, seedID string) (*Graph, error) {
	graph, ok := s.graphs[seedID]
	if !ok {
		return nil, ErrNotFound
	}
	return graph, nil
}
