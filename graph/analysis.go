package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Cxiyuan/NTA/config"
	"github.com/Cxiyuan/NTA/detection"
)

// finding type names shared with the fusion layer
const (
	FindingAbnormalFanout = "ABNORMAL_FANOUT"
	FindingLateralChain   = "LATERAL_CHAIN"
	FindingRareComm       = "RARE_COMMUNICATION"
	FindingPivotPoint     = "PIVOT_POINT"
	FindingCircularPath   = "CIRCULAR_PATH"
)

// lateralProtocols are the edge protocols that make a chain hop more
// suspicious when present
var lateralProtocols = map[string]struct{}{
	"smb": {},
	"rdp": {},
}

// Finding is a single structural observation from a graph analysis
type Finding struct {
	Type        string             `json:"type"`
	Severity    detection.Severity `json:"severity"`
	Source      string             `json:"source"`
	Path        []string           `json:"path,omitempty"`
	Score       float64            `json:"score"`
	Description string             `json:"description"`
	Details     map[string]any     `json:"details,omitempty"`
}

// AttackPathSummary describes what is reachable from a compromised host
type AttackPathSummary struct {
	Source          string   `json:"source"`
	Successors      []string `json:"successors"`
	DescendantCount int      `json:"descendant_count"`
	MaxDepth        int      `json:"max_depth"`
	Protocols       []string `json:"protocols"`
}

// Analyzer runs the structural analyses over a snapshot using configured
// thresholds. Analyzers are stateless; all state lives in the snapshot.
type Analyzer struct {
	cfg         config.Graph
	filter      config.Filtering
	normalPaths map[string]struct{}
}

func NewAnalyzer(cfg config.Graph, filter config.Filtering) *Analyzer {
	normalPaths := make(map[string]struct{}, len(cfg.NormalPaths))
	for _, path := range cfg.NormalPaths {
		normalPaths[path] = struct{}{}
	}
	return &Analyzer{cfg: cfg, filter: filter, normalPaths: normalPaths}
}

// Analyze runs every analysis and returns the combined findings
func (a *Analyzer) Analyze(snap *Snapshot) []Finding {
	var findings []Finding
	findings = append(findings, a.FanOut(snap)...)
	findings = append(findings, a.Chains(snap)...)
	findings = append(findings, a.RareCommunications(snap)...)
	findings = append(findings, a.PivotPoints(snap)...)
	findings = append(findings, a.CircularPaths(snap)...)
	return findings
}

// FanOut flags hosts connecting to an abnormal number of distinct targets.
// A host sitting exactly at the threshold stays quiet.
func (a *Analyzer) FanOut(snap *Snapshot) []Finding {
	var findings []Finding
	for _, src := range sortedNodes(snap) {
		degree := snap.OutDegree(src)
		if degree <= a.cfg.FanoutThreshold {
			continue
		}

		severity := detection.SeverityMedium
		if degree > 2*a.cfg.FanoutThreshold {
			severity = detection.SeverityHigh
		}
		score := float64(degree) / float64(a.cfg.FanoutThreshold)
		if score > 1 {
			score = 1
		}
		findings = append(findings, Finding{
			Type:        FindingAbnormalFanout,
			Severity:    severity,
			Source:      src,
			Score:       score,
			Description: fmt.Sprintf("host communicates with %d distinct targets", degree),
			Details:     map[string]any{"target_count": degree},
		})
	}
	return findings
}

// Chains finds multi-hop paths through internal hosts. A chain is abnormal
// when at least two of its interior hosts are internal, meaning traffic is
// relayed through the private network rather than fanning out from one box.
func (a *Analyzer) Chains(snap *Snapshot) []Finding {
	var findings []Finding
	for _, start := range sortedNodes(snap) {
		for _, path := range a.shortestPaths(snap, start) {
			hops := len(path) - 1
			if hops < a.cfg.MinHops || hops > a.cfg.MaxHops {
				continue
			}
			if !a.chainIsAbnormal(path) {
				continue
			}

			score := 10 * float64(len(path))
			for i := 0; i < len(path)-1; i++ {
				if a.edgeIsRare(snap, path[i], path[i+1]) {
					score += 5
				}
				if edgeUsesLateralProtocol(snap.Edge(path[i], path[i+1])) {
					score += 10
				}
			}

			findings = append(findings, Finding{
				Type:        FindingLateralChain,
				Severity:    detection.SeverityHigh,
				Source:      start,
				Path:        path,
				Score:       score,
				Description: fmt.Sprintf("%d-hop chain through internal hosts: %s", hops, strings.Join(path, " -> ")),
				Details:     map[string]any{"hops": hops},
			})
		}
	}
	return findings
}

// RareCommunications flags host pairs that almost never talk to each other
func (a *Analyzer) RareCommunications(snap *Snapshot) []Finding {
	var findings []Finding
	for _, src := range sortedNodes(snap) {
		for _, dst := range sortedSuccessors(snap, src) {
			if _, normal := a.normalPaths[src+"->"+dst]; normal {
				continue
			}
			rarity := snap.EdgeRarity(src, dst)
			if rarity <= a.cfg.RarityThreshold {
				continue
			}
			findings = append(findings, Finding{
				Type:        FindingRareComm,
				Severity:    detection.SeverityMedium,
				Source:      src,
				Path:        []string{src, dst},
				Score:       rarity,
				Description: fmt.Sprintf("unusual communication pair %s -> %s", src, dst),
				Details:     map[string]any{"rarity": rarity, "count": snap.Edge(src, dst).Count},
			})
		}
	}
	return findings
}

// PivotPoints flags hosts that both receive and originate connections and
// that sit on many shortest paths through the graph
func (a *Analyzer) PivotPoints(snap *Snapshot) []Finding {
	betweenness := a.Betweenness(snap)

	var findings []Finding
	for _, node := range sortedNodes(snap) {
		in := snap.InDegree(node)
		out := snap.OutDegree(node)
		if in < 1 || out < 3 {
			continue
		}
		centrality := betweenness[node]
		if centrality <= a.cfg.BetweennessThreshold {
			continue
		}

		severity := detection.SeverityHigh
		if out > 5 {
			severity = detection.SeverityCritical
		}
		findings = append(findings, Finding{
			Type:        FindingPivotPoint,
			Severity:    severity,
			Source:      node,
			Score:       centrality,
			Description: fmt.Sprintf("host relays traffic (in=%d out=%d betweenness=%.3f)", in, out, centrality),
			Details:     map[string]any{"in_degree": in, "out_degree": out, "betweenness": centrality},
		})
	}
	return findings
}

// CircularPaths finds simple cycles of three or more hosts. The search is
// bounded by the configured maximum cycle length and result count; the
// truncation flag in the finding details reports whether the bound was hit.
func (a *Analyzer) CircularPaths(snap *Snapshot) []Finding {
	cycles, truncated := a.simpleCycles(snap)

	var findings []Finding
	for _, cycle := range cycles {
		findings = append(findings, Finding{
			Type:        FindingCircularPath,
			Severity:    detection.SeverityMedium,
			Source:      cycle[0],
			Path:        cycle,
			Score:       5 * float64(len(cycle)),
			Description: fmt.Sprintf("circular communication through %d hosts", len(cycle)),
			Details:     map[string]any{"length": len(cycle), "truncated": truncated},
		})
	}
	return findings
}

// AttackPaths summarizes everything reachable from a host
func (a *Analyzer) AttackPaths(snap *Snapshot, src string) AttackPathSummary {
	summary := AttackPathSummary{
		Source:     src,
		Successors: sortedSuccessors(snap, src),
	}

	protocols := make(map[string]struct{})
	visited := map[string]int{src: 0}
	queue := []string{src}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range sortedSuccessors(snap, node) {
			if edge := snap.Edge(node, next); edge != nil {
				for proto := range edge.Protocols {
					protocols[proto] = struct{}{}
				}
			}
			if _, seen := visited[next]; seen {
				continue
			}
			depth := visited[node] + 1
			visited[next] = depth
			if depth > summary.MaxDepth {
				summary.MaxDepth = depth
			}
			queue = append(queue, next)
		}
	}

	summary.DescendantCount = len(visited) - 1
	for proto := range protocols {
		summary.Protocols = append(summary.Protocols, proto)
	}
	sort.Strings(summary.Protocols)
	return summary
}

// Betweenness computes normalized betweenness centrality for every node
// using Brandes' accumulation over BFS shortest paths.
func (a *Analyzer) Betweenness(snap *Snapshot) map[string]float64 {
	nodes := sortedNodes(snap)
	centrality := make(map[string]float64, len(nodes))
	for _, node := range nodes {
		centrality[node] = 0
	}

	for _, source := range nodes {
		var stack []string
		preds := make(map[string][]string)
		sigma := map[string]float64{source: 1}
		dist := map[string]int{source: 0}

		queue := []string{source}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			stack = append(stack, node)
			for _, next := range sortedSuccessors(snap, node) {
				if _, seen := dist[next]; !seen {
					dist[next] = dist[node] + 1
					queue = append(queue, next)
				}
				if dist[next] == dist[node]+1 {
					sigma[next] += sigma[node]
					preds[next] = append(preds[next], node)
				}
			}
		}

		delta := make(map[string]float64)
		for i := len(stack) - 1; i >= 0; i-- {
			node := stack[i]
			for _, pred := range preds[node] {
				delta[pred] += sigma[pred] / sigma[node] * (1 + delta[node])
			}
			if node != source {
				centrality[node] += delta[node]
			}
		}
	}

	// normalize for a directed graph
	n := float64(len(nodes))
	if n > 2 {
		scale := 1 / ((n - 1) * (n - 2))
		for node := range centrality {
			centrality[node] *= scale
		}
	}
	return centrality
}

// shortestPaths returns one shortest path from start to every node reachable
// within the configured hop cutoff
func (a *Analyzer) shortestPaths(snap *Snapshot, start string) [][]string {
	parent := make(map[string]string)
	dist := map[string]int{start: 0}
	queue := []string{start}
	var reachable []string

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if dist[node] >= a.cfg.MaxHops {
			continue
		}
		for _, next := range sortedSuccessors(snap, node) {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[node] + 1
			parent[next] = node
			reachable = append(reachable, next)
			queue = append(queue, next)
		}
	}

	paths := make([][]string, 0, len(reachable))
	for _, end := range reachable {
		var path []string
		for node := end; ; node = parent[node] {
			path = append([]string{node}, path...)
			if node == start {
				break
			}
		}
		paths = append(paths, path)
	}
	return paths
}

// chainIsAbnormal reports whether at least two interior hosts of the path
// fall in the configured internal subnets
func (a *Analyzer) chainIsAbnormal(path []string) bool {
	internal := 0
	for _, node := range path[1 : len(path)-1] {
		if a.filter.AddrIsInternal(node) {
			internal++
		}
	}
	return internal >= 2
}

func (a *Analyzer) edgeIsRare(snap *Snapshot, src, dst string) bool {
	if _, normal := a.normalPaths[src+"->"+dst]; normal {
		return false
	}
	return snap.EdgeRarity(src, dst) > a.cfg.RarityThreshold
}

// simpleCycles enumerates simple cycles with the smallest node first, so each
// cycle is reported exactly once. The search only descends into nodes that
// sort after the root, bounding the work per root.
func (a *Analyzer) simpleCycles(snap *Snapshot) ([][]string, bool) {
	nodes := sortedNodes(snap)
	index := make(map[string]int, len(nodes))
	for i, node := range nodes {
		index[node] = i
	}

	var cycles [][]string
	truncated := false
	onPath := make(map[string]bool)

	var dfs func(root, node string, path []string) bool
	dfs = func(root, node string, path []string) bool {
		if len(cycles) >= a.cfg.MaxCycles {
			truncated = true
			return false
		}
		for _, next := range sortedSuccessors(snap, node) {
			if next == root {
				if len(path) >= 3 {
					cycle := make([]string, len(path))
					copy(cycle, path)
					cycles = append(cycles, cycle)
					if len(cycles) >= a.cfg.MaxCycles {
						truncated = true
						return false
					}
				}
				continue
			}
			if index[next] <= index[root] || onPath[next] {
				continue
			}
			if len(path) >= a.cfg.MaxCycleLength {
				truncated = true
				continue
			}
			onPath[next] = true
			ok := dfs(root, next, append(path, next))
			onPath[next] = false
			if !ok {
				return false
			}
		}
		return true
	}

	for _, root := range nodes {
		onPath[root] = true
		if !dfs(root, root, []string{root}) {
			break
		}
		onPath[root] = false
	}
	return cycles, truncated
}

func edgeUsesLateralProtocol(edge *Edge) bool {
	if edge == nil {
		return false
	}
	for proto := range edge.Protocols {
		if _, ok := lateralProtocols[strings.ToLower(proto)]; ok {
			return true
		}
	}
	return false
}

func sortedNodes(snap *Snapshot) []string {
	nodes := make([]string, len(snap.Nodes()))
	copy(nodes, snap.Nodes())
	sort.Strings(nodes)
	return nodes
}

func sortedSuccessors(snap *Snapshot, src string) []string {
	successors := snap.Successors(src)
	sort.Strings(successors)
	return successors
}
