package server

import (
	"encoding/json"
	"time"

	"relicrace/server/internal/race"
	"relicrace/server/internal/seed"
)

type participantView struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Status       race.ParticipantStatus `json:"status"`
	CurrentZone  string                 `json:"currentZone,omitempty"`
	CurrentLayer int                    `json:"currentLayer"`
	IGTMillis    int64                  `json:"igtMs"`
	DeathCount   int                    `json:"deathCount"`
	Connected    bool                   `json:"connected"`
	// ZoneHistory is withheld until the race is over to keep spectator
	// payloads small; the final broadcast reveals it.
	ZoneHistory []race.ZoneVisit `json:"zoneHistory,omitempty"`
}

type raceView struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Status    race.Status `json:"status"`
	StartedAt *int64      `json:"startedAt,omitempty"`
}

// seedModView is what mods receive: derived event-flag ids only, never
// the graph, to keep the telemetry channel small.
type seedModView struct {
	ID         string   `json:"id"`
	FlagIDs    []uint32 `json:"flagIds"`
	FinishFlag uint32   `json:"finishFlag"`
}

type nodeView struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName,omitempty"`
	Layer       int      `json:"layer"`
	Tier        int      `json:"tier"`
	Exits       []string `json:"exits,omitempty"`
}

// seedSpectatorView carries the full graph for the spectator overlay.
type seedSpectatorView struct {
	ID        string     `json:"id"`
	Nodes     []nodeView `json:"nodes"`
	StartNode string     `json:"startNode"`
}

type authOKMessage struct {
	Ver           int               `json:"ver"`
	Type          string            `json:"type"`
	ParticipantID string            `json:"participant_id"`
	Race          raceView          `json:"race"`
	Seed          seedModView       `json:"seed"`
	Participants  []participantView `json:"participants"`
}

type authErrorMessage struct {
	Ver     int    `json:"ver"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type raceStartMessage struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
}

type raceStatusChangeMessage struct {
	Ver       int         `json:"ver"`
	Type      string      `json:"type"`
	Status    race.Status `json:"status"`
	StartedAt *int64      `json:"started_at,omitempty"`
}

type leaderboardUpdateMessage struct {
	Ver          int               `json:"ver"`
	Type         string            `json:"type"`
	Participants []participantView `json:"participants"`
}

type playerUpdateMessage struct {
	Ver    int             `json:"ver"`
	Type   string          `json:"type"`
	Player participantView `json:"player"`
}

type raceStateMessage struct {
	Ver          int               `json:"ver"`
	Type         string            `json:"type"`
	Race         raceView          `json:"race"`
	Seed         seedSpectatorView `json:"seed"`
	Participants []participantView `json:"participants"`
}

type zoneUpdateMessage struct {
	Ver         int      `json:"ver"`
	Type        string   `json:"type"`
	NodeID      string   `json:"node_id"`
	DisplayName string   `json:"display_name"`
	Tier        int      `json:"tier"`
	Exits       []string `json:"exits"`
}

type pingMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
}

func newRaceView(r *race.Race) raceView {
	view := raceView{ID: r.ID, Name: r.Name, Status: r.Status}
	if r.StartedAt != nil {
		ms := r.StartedAt.UnixMilli()
		view.StartedAt = &ms
	}
	return view
}

func newSeedModView(seedID string, g *seed.Graph) seedModView {
	return seedModView{ID: seedID, FlagIDs: g.FlagIDs(), FinishFlag: g.FinishFlag()}
}

func newSeedSpectatorView(seedID string, g *seed.Graph) seedSpectatorView {
	nodes := make([]nodeView, 0, len(g.Nodes()))
	for _, node := range g.Nodes() {
		nodes = append(nodes, nodeView{
			ID:          node.ID,
			DisplayName: node.DisplayName,
			Layer:       node.Layer,
			Tier:        node.Tier,
			Exits:       node.Exits,
		})
	}
	return seedSpectatorView{ID: seedID, Nodes: nodes, StartNode: g.StartNode()}
}

// EncodeAuthError renders the wire form of an auth_error frame, sent
// just before a rejected connection is closed.
func EncodeAuthError(message string) ([]byte, error) {
	return json.Marshal(authErrorMessage{Ver: ProtocolVersion, Type: "auth_error", Message: message})
}

func newPingMessage(now time.Time) pingMessage {
	return pingMessage{Ver: ProtocolVersion, Type: "ping", ServerTime: now.UnixMilli()}
}
