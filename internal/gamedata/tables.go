// Package gamedata loads the curated static tables used for zone
// resolution: the grace-entity→zone mapping and the per-map position
// rules. Both are read once at startup and never mutated afterwards.
package gamedata

// GraceEntry binds a grace entity id to exactly one zone. The table is
// curated so ambiguity is impossible here.
type GraceEntry struct {
	EntityID uint64 `json:"entityId" jsonschema:"title=Grace Entity ID,description=In-game entity id of the grace.,minimum=1,required"`
	Zone     string `json:"zone" jsonschema:"title=Zone ID,description=Logical zone the grace belongs to.,minLength=1,required"`
	Name     string `json:"name,omitempty" jsonschema:"title=Grace Name,description=Curator-facing label; not used by the engine."`
}

// PositionRule is one axis-aligned bounding rule for a map. Bounds are
// strict open intervals: XAbove means x > bound, never >=. A nil bound
// is unconstrained.
type PositionRule struct {
	Zone   string   `json:"zone" jsonschema:"title=Zone ID,minLength=1,required"`
	XAbove *float64 `json:"xAbove,omitempty"`
	XBelow *float64 `json:"xBelow,omitempty"`
	YAbove *float64 `json:"yAbove,omitempty"`
	YBelow *float64 `json:"yBelow,omitempty"`
	ZAbove *float64 `json:"zAbove,omitempty"`
	ZBelow *float64 `json:"zBelow,omitempty"`
}

// Matches evaluates the rule against a 3-D position.
func (r PositionRule) Matches(x, y, z float64) bool {
	if r.XAbove != nil && !(x > *r.XAbove) {
		return false
	}
	if r.XBelow != nil && !(x < *r.XBelow) {
		return false
	}
	if r.YAbove != nil && !(y > *r.YAbove) {
		return false
	}
	if r.YBelow != nil && !(y < *r.YBelow) {
		return false
	}
	if r.ZAbove != nil && !(z > *r.ZAbove) {
		return false
	}
	if r.ZBelow != nil && !(z < *r.ZBelow) {
		return false
	}
	return true
}

// MapEntry lists the zones known to exist on a map, the ordered
// disambiguation rules, and an optional default zone used when no rule
// matches.
type MapEntry struct {
	MapID       string         `json:"mapId" jsonschema:"title=Map ID,minLength=1,required"`
	Zones       []string       `json:"zones" jsonschema:"title=Zones,description=Zones present on this map.,required"`
	DefaultZone string         `json:"defaultZone,omitempty" jsonschema:"title=Default Zone,description=Fallback zone when no rule matches."`
	Rules       []PositionRule `json:"rules,omitempty" jsonschema:"title=Position Rules,description=Evaluated in file order; first match wins."`
}

// Tables is the full document set the schema generator reflects over.
type Tables struct {
	Graces []GraceEntry `json:"graces"`
	Maps   []MapEntry   `json:"maps"`
}
