package server

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InboundKind is the closed set of message types a mod may send.
// Dispatch happens on this enum, not on the raw string, so "unknown
// type" is an explicit branch.
type InboundKind int

const (
	InboundUnknown InboundKind = iota
	InboundAuth
	InboundReady
	InboundStatusUpdate
	InboundEventFlag
	InboundFinished
	InboundPong
	InboundZoneQuery
)

func (k InboundKind) String() string {
	switch k {
	case InboundAuth:
		return "auth"
	case InboundReady:
		return "ready"
	case InboundStatusUpdate:
		return "status_update"
	case InboundEventFlag:
		return "event_flag"
	case InboundFinished:
		return "finished"
	case InboundPong:
		return "pong"
	case InboundZoneQuery:
		return "zone_query"
	default:
		return "unknown"
	}
}

// InboundMessage is the decoded union of all mod frames. Fields not
// belonging to the tagged kind are zero.
type InboundMessage struct {
	Kind InboundKind
	Raw  string // original type tag, for logging unknown kinds

	ModToken      string
	IGTMillis     int64
	DeathCount    int
	FlagID        uint32
	GraceEntityID uint64
	MapID         string
	Position      []float64
	PlayRegionID  uint64
}

type inboundEnvelope struct {
	Type          string    `json:"type"`
	ModToken      string    `json:"mod_token"`
	IGTMillis     int64     `json:"igt_ms"`
	DeathCount    int       `json:"death_count"`
	FlagID        uint32    `json:"flag_id"`
	GraceEntityID uint64    `json:"grace_entity_id"`
	MapID         string    `json:"map_id"`
	Position      []float64 `json:"position"`
	PlayRegionID  uint64    `json:"play_region_id"`
}

// DecodeInbound parses one frame. A JSON error is a protocol error: the
// caller logs it and keeps the connection open.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundMessage{}, fmt.Errorf("malformed frame: %w", err)
	}
	msg := InboundMessage{
		Kind:          parseInboundKind(env.Type),
		Raw:           env.Type,
		ModToken:      env.ModToken,
		IGTMillis:     env.IGTMillis,
		DeathCount:    env.DeathCount,
		FlagID:        env.FlagID,
		GraceEntityID: env.GraceEntityID,
		MapID:         env.MapID,
		Position:      env.Position,
		PlayRegionID:  env.PlayRegionID,
	}
	return msg, nil
}

func parseInboundKind(tag string) InboundKind {
	switch strings.TrimSpace(tag) {
	case "auth":
		return InboundAuth
	case "ready":
		return InboundReady
	case "status_update":
		return InboundStatusUpdate
	case "event_flag":
		return InboundEventFlag
	case "finished":
		return InboundFinished
	case "pong":
		return InboundPong
	case "zone_query":
		return InboundZoneQuery
	default:
		return InboundUnknown
	}
}
