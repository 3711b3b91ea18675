package gamedata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type source interface {
	Load() ([]byte, error)
	Path() string
}

type fileSource struct {
	path string
}

func (f fileSource) Load() ([]byte, error) {
	return os.ReadFile(f.path)
}

func (f fileSource) Path() string {
	return f.path
}

// MemorySource supplies table data from memory. Tests use it in place
// of fileSource.
type MemorySource struct {
	Name string
	Data []byte
}

func (m MemorySource) Load() ([]byte, error) { return m.Data, nil }
func (m MemorySource) Path() string          { return m.Name }

type document struct {
	Graces []GraceEntry `json:"graces"`
	Maps   []MapEntry   `json:"maps"`
}

// Index is the merged, validated lookup structure over all sources.
// Later sources override earlier ones to support local overlays.
type Index struct {
	mu      sync.RWMutex
	sources []source

	graceZones map[uint64]string
	maps       map[string]MapEntry
}

// DefaultPaths returns the canonical table locations relative to the
// server module root.
func DefaultPaths() []string {
	return []string{
		filepath.Join("config", "gamedata", "tables.json"),
		filepath.Join("..", "config", "gamedata", "tables.json"),
	}
}

// Load constructs an Index backed by the provided file paths. Missing
// files are skipped; at least one source must exist.
func Load(paths ...string) (*Index, error) {
	sources := make([]source, 0, len(paths))
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		sources = append(sources, fileSource{path: trimmed})
	}
	return NewIndex(sources...)
}

// NewIndex constructs an Index from arbitrary sources.
func NewIndex(sources ...source) (*Index, error) {
	idx := &Index{sources: append([]source(nil), sources...)}
	if err := idx.Reload(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Reload re-parses all sources and swaps the lookup tables atomically.
func (idx *Index) Reload() error {
	graceZones := make(map[uint64]string)
	maps := make(map[string]MapEntry)
	loaded := 0

	for _, src := range idx.sources {
		data, err := src.Load()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("gamedata: failed loading %s: %w", src.Path(), err)
		}
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("gamedata: failed parsing %s: %w", src.Path(), err)
		}
		loaded++

		seenGraces := make(map[uint64]struct{}, len(doc.Graces))
		for _, entry := range doc.Graces {
			if entry.EntityID == 0 {
				return fmt.Errorf("gamedata: grace entry with entity id 0 in %s", src.Path())
			}
			if strings.TrimSpace(entry.Zone) == "" {
				return fmt.Errorf("gamedata: grace %d missing zone in %s", entry.EntityID, src.Path())
			}
			if _, dup := seenGraces[entry.EntityID]; dup {
				return fmt.Errorf("gamedata: duplicate grace entity %d in %s", entry.EntityID, src.Path())
			}
			seenGraces[entry.EntityID] = struct{}{}
			graceZones[entry.EntityID] = entry.Zone
		}

		seenMaps := make(map[string]struct{}, len(doc.Maps))
		for _, entry := range doc.Maps {
			id := strings.TrimSpace(entry.MapID)
			if id == "" {
				return fmt.Errorf("gamedata: map entry missing id in %s", src.Path())
			}
			if _, dup := seenMaps[id]; dup {
				return fmt.Errorf("gamedata: duplicate map id %q in %s", id, src.Path())
			}
			for _, rule := range entry.Rules {
				if strings.TrimSpace(rule.Zone) == "" {
					return fmt.Errorf("gamedata: map %q has a rule without a zone in %s", id, src.Path())
				}
			}
			seenMaps[id] = struct{}{}
			maps[id] = cloneMapEntry(entry)
		}
	}

	if loaded == 0 {
		return fmt.Errorf("gamedata: no table sources found")
	}

	idx.mu.Lock()
	idx.graceZones = graceZones
	idx.maps = maps
	idx.mu.Unlock()
	return nil
}

// GraceZone resolves a grace entity id to its curated zone.
func (idx *Index) GraceZone(entityID uint64) (string, bool) {
	if idx == nil || entityID == 0 {
		return "", false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	zone, ok := idx.graceZones[entityID]
	return zone, ok
}

// Map returns the entry for a map id, cloned so callers cannot mutate
// the shared rule slices.
func (idx *Index) Map(mapID string) (MapEntry, bool) {
	if idx == nil {
		return MapEntry{}, false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entry, ok := idx.maps[mapID]
	if !ok {
		return MapEntry{}, false
	}
	return cloneMapEntry(entry), true
}

// GraceCount and MapCount expose table sizes for diagnostics.
func (idx *Index) GraceCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.graceZones)
}

func (idx *Index) MapCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.maps)
}

func cloneMapEntry(entry MapEntry) MapEntry {
	cloned := entry
	if len(entry.Zones) > 0 {
		cloned.Zones = append([]string(nil), entry.Zones...)
	}
	if len(entry.Rules) > 0 {
		cloned.Rules = make([]PositionRule, len(entry.Rules))
		for i, rule := range entry.Rules {
			cloned.Rules[i] = PositionRule{
				Zone:   rule.Zone,
				XAbove: cloneBound(rule.XAbove),
				XBelow: cloneBound(rule.XBelow),
				YAbove: cloneBound(rule.YAbove),
				YBelow: cloneBound(rule.YBelow),
				ZAbove: cloneBound(rule.ZAbove),
				ZBelow: cloneBound(rule.ZBelow),
			}
		}
	}
	return cloned
}

func cloneBound(b *float64) *float64 {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
