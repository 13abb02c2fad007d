package graph

import (
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type edgeState struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Protocols []string  `json:"protocols"`
	Count     uint64    `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type graphState struct {
	Nodes     []string    `json:"nodes"`
	Edges     []edgeState `json:"edges"`
	Timestamp time.Time   `json:"timestamp"`
}

// Export serializes the graph to JSON, stamped with the given export time.
// Nodes and edges are sorted so the output is deterministic, and the edge
// list round-trips through Import without loss.
func (g *Graph) Export(ts time.Time) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodeSet := make(map[string]struct{})
	edges := make([]edgeState, 0, g.edgeCount)
	for src, targets := range g.edges {
		nodeSet[src] = struct{}{}
		for dst, edge := range targets {
			nodeSet[dst] = struct{}{}
			protocols := make([]string, 0, len(edge.Protocols))
			for proto := range edge.Protocols {
				protocols = append(protocols, proto)
			}
			sort.Strings(protocols)
			edges = append(edges, edgeState{
				Source:    src,
				Target:    dst,
				Protocols: protocols,
				Count:     edge.Count,
				FirstSeen: edge.FirstSeen,
				LastSeen:  edge.LastSeen,
			})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})

	nodes := make([]string, 0, len(nodeSet))
	for node := range nodeSet {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	return json.Marshal(graphState{Nodes: nodes, Edges: edges, Timestamp: ts})
}

// Import replaces the graph contents with previously exported state
func (g *Graph) Import(data []byte) error {
	var state graphState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	edges := make(map[string]map[string]*Edge, len(state.Edges))
	var count uint64
	for _, saved := range state.Edges {
		targets, ok := edges[saved.Source]
		if !ok {
			targets = make(map[string]*Edge)
			edges[saved.Source] = targets
		}
		if _, ok := targets[saved.Target]; ok {
			continue
		}
		protocols := make(map[string]struct{}, len(saved.Protocols))
		for _, proto := range saved.Protocols {
			protocols[proto] = struct{}{}
		}
		targets[saved.Target] = &Edge{
			Count:     saved.Count,
			Protocols: protocols,
			FirstSeen: saved.FirstSeen,
			LastSeen:  saved.LastSeen,
		}
		count++
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = edges
	g.edgeCount = count
	return nil
}

// Save writes the exported graph state to a file
func (g *Graph) Save(afs afero.Fs, path string, ts time.Time) error {
	data, err := g.Export(ts)
	if err != nil {
		return err
	}
	return afero.WriteFile(afs, path, data, 0o644)
}

// Load reads previously saved graph state from a file
func (g *Graph) Load(afs afero.Fs, path string) error {
	data, err := afero.ReadFile(afs, path)
	if err != nil {
		return err
	}
	return g.Import(data)
}
