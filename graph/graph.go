// Package graph maintains the directed internal communication graph and the
// structural analyses over it: fan-out, multi-hop chains, rare edges, pivot
// points and circular paths. Writes serialize through a single mutex;
// analyses run against an immutable snapshot so readers never observe a
// half-applied update.
package graph

import (
	"sync"
	"time"
)

// Edge aggregates every observed connection between one ordered host pair
type Edge struct {
	Count     uint64              `json:"count"`
	Protocols map[string]struct{} `json:"-"`
	FirstSeen time.Time           `json:"first_seen"`
	LastSeen  time.Time           `json:"last_seen"`
}

// Graph is the mutable, write-side structure. Only the pipeline writer
// mutates it; analyses go through Snapshot. edgeCount tracks distinct
// ordered pairs, not connections.
type Graph struct {
	mu        sync.Mutex
	edges     map[string]map[string]*Edge
	edgeCount uint64
}

func NewGraph() *Graph {
	return &Graph{
		edges: make(map[string]map[string]*Edge),
	}
}

// AddConnection merges one observed connection into the graph. Repeat
// connections between the same pair increment the edge count and extend the
// protocol set and last-seen time.
func (g *Graph) AddConnection(src, dst, proto string, ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	targets, ok := g.edges[src]
	if !ok {
		targets = make(map[string]*Edge)
		g.edges[src] = targets
	}

	edge, ok := targets[dst]
	if !ok {
		edge = &Edge{
			Protocols: make(map[string]struct{}),
			FirstSeen: ts,
		}
		targets[dst] = edge
		g.edgeCount++
	}

	edge.Count++
	if proto != "" {
		edge.Protocols[proto] = struct{}{}
	}
	if ts.Before(edge.FirstSeen) {
		edge.FirstSeen = ts
	}
	if ts.After(edge.LastSeen) {
		edge.LastSeen = ts
	}
}

// OutDegree returns the current number of distinct targets of a host
// without taking a full snapshot
func (g *Graph) OutDegree(src string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges[src])
}

// Snapshot returns an immutable copy of the graph for analysis. The copy is
// deep; subsequent writes to the graph do not affect it.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := &Snapshot{
		Edges:          make(map[string]map[string]*Edge, len(g.edges)),
		TotalEdgeCount: g.edgeCount,
		predecessors:   make(map[string][]string),
	}

	for src, targets := range g.edges {
		copied := make(map[string]*Edge, len(targets))
		for dst, edge := range targets {
			protocols := make(map[string]struct{}, len(edge.Protocols))
			for proto := range edge.Protocols {
				protocols[proto] = struct{}{}
			}
			copied[dst] = &Edge{
				Count:     edge.Count,
				Protocols: protocols,
				FirstSeen: edge.FirstSeen,
				LastSeen:  edge.LastSeen,
			}
			snap.predecessors[dst] = append(snap.predecessors[dst], src)
			snap.addNode(dst)
		}
		snap.Edges[src] = copied
		snap.addNode(src)
	}

	return snap
}

// Snapshot is the read-side view of the graph. It is never mutated after
// construction and is safe for concurrent use. TotalEdgeCount is the number
// of distinct ordered pairs in the snapshot.
type Snapshot struct {
	Edges          map[string]map[string]*Edge
	TotalEdgeCount uint64

	nodes        []string
	nodeSet      map[string]struct{}
	predecessors map[string][]string
}

func (s *Snapshot) addNode(node string) {
	if s.nodeSet == nil {
		s.nodeSet = make(map[string]struct{})
	}
	if _, ok := s.nodeSet[node]; !ok {
		s.nodeSet[node] = struct{}{}
		s.nodes = append(s.nodes, node)
	}
}

// Nodes returns every host that appears as a source or destination
func (s *Snapshot) Nodes() []string {
	return s.nodes
}

// Successors returns the direct targets of a host
func (s *Snapshot) Successors(src string) []string {
	targets, ok := s.Edges[src]
	if !ok {
		return nil
	}
	successors := make([]string, 0, len(targets))
	for dst := range targets {
		successors = append(successors, dst)
	}
	return successors
}

// Predecessors returns the hosts with an edge into the given host
func (s *Snapshot) Predecessors(dst string) []string {
	return s.predecessors[dst]
}

// OutDegree returns the number of distinct targets of a host
func (s *Snapshot) OutDegree(src string) int {
	return len(s.Edges[src])
}

// InDegree returns the number of distinct hosts connecting to a host
func (s *Snapshot) InDegree(dst string) int {
	return len(s.predecessors[dst])
}

// Edge returns the edge between an ordered pair, or nil
func (s *Snapshot) Edge(src, dst string) *Edge {
	targets, ok := s.Edges[src]
	if !ok {
		return nil
	}
	return targets[dst]
}

// EdgeRarity measures how unusual an edge is relative to the graph: an edge
// whose connection count is vanishing next to the number of distinct edges
// scores close to 1.
func (s *Snapshot) EdgeRarity(src, dst string) float64 {
	edge := s.Edge(src, dst)
	if edge == nil || s.TotalEdgeCount == 0 {
		return 0
	}
	rarity := 1 - float64(edge.Count)/float64(s.TotalEdgeCount)
	if rarity < 0 {
		return 0
	}
	return rarity
}
