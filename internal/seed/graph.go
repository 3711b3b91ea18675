// Package seed models the randomized world graph a race is run on. The
// graph is immutable once built; every connection for the race shares
// one instance.
package seed

import (
	"fmt"
	"sort"
)

// Node is one logical progress step. A node may cluster several
// physical zones together; Layer is the monotonic progress depth and
// Tier the display grouping.
type Node struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName,omitempty"`
	Zones       []string `json:"zones"`
	Layer       int      `json:"layer"`
	Tier        int      `json:"tier"`
	Exits       []string `json:"exits,omitempty"`
}

// HasZone reports whether the node's zone set contains the zone id.
func (n Node) HasZone(zone string) bool {
	for _, z := range n.Zones {
		if z == zone {
			return true
		}
	}
	return false
}

// FlagBinding associates a game event-flag id with a node.
type FlagBinding struct {
	FlagID uint32 `json:"flagId"`
	NodeID string `json:"node"`
}

// Document is the on-disk / stored representation of a seed graph.
type Document struct {
	Nodes      []Node        `json:"nodes"`
	Flags      []FlagBinding `json:"flags"`
	FinishFlag uint32        `json:"finishFlag"`
	StartNode  string        `json:"startNode"`
}

// Graph is the validated, indexed form of a Document. Read-only after
// Build.
type Graph struct {
	nodes      []Node
	byID       map[string]int
	flagToNode map[uint32]string
	finishFlag uint32
	startNode  string
}

// Build validates a document and indexes it for lookup.
func Build(doc Document) (*Graph, error) {
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("seed: graph has no nodes")
	}
	byID := make(map[string]int, len(doc.Nodes))
	for i, node := range doc.Nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("seed: node %d missing id", i)
		}
		if _, dup := byID[node.ID]; dup {
			return nil, fmt.Errorf("seed: duplicate node id %q", node.ID)
		}
		byID[node.ID] = i
	}
	flagToNode := make(map[uint32]string, len(doc.Flags))
	for _, binding := range doc.Flags {
		if binding.FlagID == doc.FinishFlag {
			return nil, fmt.Errorf("seed: finish flag %d must not appear in the flag map", binding.FlagID)
		}
		if _, ok := byID[binding.NodeID]; !ok {
			return nil, fmt.Errorf("seed: flag %d references unknown node %q", binding.FlagID, binding.NodeID)
		}
		if _, dup := flagToNode[binding.FlagID]; dup {
			return nil, fmt.Errorf("seed: duplicate flag id %d", binding.FlagID)
		}
		flagToNode[binding.FlagID] = binding.NodeID
	}
	if doc.FinishFlag == 0 {
		return nil, fmt.Errorf("seed: missing finish flag")
	}
	if _, ok := byID[doc.StartNode]; !ok {
		return nil, fmt.Errorf("seed: start node %q not in graph", doc.StartNode)
	}
	nodes := append([]Node(nil), doc.Nodes...)
	return &Graph{
		nodes:      nodes,
		byID:       byID,
		flagToNode: flagToNode,
		finishFlag: doc.FinishFlag,
		startNode:  doc.StartNode,
	}, nil
}

// Nodes returns the graph's nodes in declaration order.
func (g *Graph) Nodes() []Node {
	return g.nodes
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.byID[id]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

// NodeForFlag resolves an event-flag id through the flag map.
func (g *Graph) NodeForFlag(flagID uint32) (string, bool) {
	id, ok := g.flagToNode[flagID]
	return id, ok
}

// FinishFlag is the distinguished flag marking race completion. It is
// never a key in the flag map.
func (g *Graph) FinishFlag() uint32 {
	return g.finishFlag
}

// StartNode is the node every runner's ledger is seeded with.
func (g *Graph) StartNode() string {
	return g.startNode
}

// FlagIDs returns the bound event-flag ids in ascending order. Mods
// receive only this derived list, never the full graph.
func (g *Graph) FlagIDs() []uint32 {
	ids := make([]uint32, 0, len(g.flagToNode))
	for id := range g.flagToNode {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
