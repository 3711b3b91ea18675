// Package zone turns raw, ambiguous game signals into a stable logical
// progress node. Resolution is pure with respect to its inputs; the
// static index is loaded once at startup and never mutated.
package zone

import (
	"relicrace/server/internal/gamedata"
	"relicrace/server/internal/seed"
)

// Query carries whichever signals the mod managed to capture. A zero
// GraceEntityID means "no capture" and is treated as absent. Positions
// with fewer than three coordinates are invalid and ignored.
type Query struct {
	GraceEntityID uint64
	MapID         string
	Position      []float64
	PlayRegionID  uint64
}

// Resolve maps a query to a node id. Precedence: grace lookup first,
// then map+position, otherwise no result and the caller must not apply
// any update.
func Resolve(q Query, graph *seed.Graph, index *gamedata.Index) (string, bool) {
	if graph == nil {
		return "", false
	}
	if q.GraceEntityID != 0 {
		if id, ok := resolveGrace(q.GraceEntityID, graph, index); ok {
			return id, true
		}
	}
	if q.MapID != "" {
		if id, ok := resolveMap(q, graph, index); ok {
			return id, true
		}
	}
	return "", false
}

func resolveGrace(entityID uint64, graph *seed.Graph, index *gamedata.Index) (string, bool) {
	zoneID, ok := index.GraceZone(entityID)
	if !ok {
		return "", false
	}
	for _, node := range graph.Nodes() {
		if node.HasZone(zoneID) {
			return node.ID, true
		}
	}
	return "", false
}

func resolveMap(q Query, graph *seed.Graph, index *gamedata.Index) (string, bool) {
	entry, ok := index.Map(q.MapID)
	if !ok {
		return "", false
	}

	onMap := make(map[string]struct{}, len(entry.Zones))
	for _, z := range entry.Zones {
		onMap[z] = struct{}{}
	}

	candidates := make([]seed.Node, 0, 2)
	for _, node := range graph.Nodes() {
		for _, z := range node.Zones {
			if _, hit := onMap[z]; hit {
				candidates = append(candidates, node)
				break
			}
		}
	}

	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0].ID, true
	}

	if len(q.Position) >= 3 {
		x, y, z := q.Position[0], q.Position[1], q.Position[2]
		for _, rule := range entry.Rules {
			if !rule.Matches(x, y, z) {
				continue
			}
			if id, ok := candidateWithZone(candidates, rule.Zone); ok {
				return id, true
			}
		}
	}

	if entry.DefaultZone != "" {
		return candidateWithZone(candidates, entry.DefaultZone)
	}
	return "", false
}

func candidateWithZone(candidates []seed.Node, zoneID string) (string, bool) {
	for _, node := range candidates {
		if node.HasZone(zoneID) {
			return node.ID, true
		}
	}
	return "", false
}
