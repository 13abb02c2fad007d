package pipeline

import (
	"sort"
	"strings"
	"sync"

	"github.com/Cxiyuan/NTA/fusion"
	"github.com/Cxiyuan/NTA/importer"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Stats accumulates the run counters reported in the closing summary
type Stats struct {
	mu        sync.Mutex
	records   map[string]uint64
	alerts    map[string]uint64
	findings  map[string]uint64
	actions   map[fusion.Action]uint64
	decisions uint64
	alerting  uint64
}

func NewStats() *Stats {
	return &Stats{
		records:  make(map[string]uint64),
		alerts:   make(map[string]uint64),
		findings: make(map[string]uint64),
		actions:  make(map[fusion.Action]uint64),
	}
}

func (s *Stats) CountRecord(kind importer.RecordKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[kind.String()]++
}

func (s *Stats) CountAlert(alertType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alertType]++
}

func (s *Stats) CountFinding(findingType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings[findingType]++
}

func (s *Stats) CountDecision(decision fusion.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions++
	s.actions[decision.Action]++
	if decision.Action.Alerting() {
		s.alerting++
	}
}

// AlertCount returns how many rule alerts of a type fired
func (s *Stats) AlertCount(alertType string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts[alertType]
}

// Decisions returns the number of fused decisions made
func (s *Stats) Decisions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisions
}

// AlertingDecisions returns how many decisions reached an alerting action
func (s *Stats) AlertingDecisions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerting
}

// Summary renders the run counters as a human-readable report
func (s *Stats) Summary(classifier *importer.Classifier) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	printer := message.NewPrinter(language.English)
	var b strings.Builder

	printer.Fprintf(&b, "records processed: %d (parse failures: %d, unknown kinds: %d)\n",
		classifier.TotalLines, classifier.ParseFailures, classifier.UnknownKinds)

	printer.Fprintf(&b, "records by kind:\n")
	for _, kind := range sortedKeys(s.records) {
		printer.Fprintf(&b, "  %-12s %d\n", kind, s.records[kind])
	}

	if len(s.alerts) > 0 {
		printer.Fprintf(&b, "rule alerts:\n")
		for _, alertType := range sortedKeys(s.alerts) {
			printer.Fprintf(&b, "  %-16s %d\n", alertType, s.alerts[alertType])
		}
	}

	if len(s.findings) > 0 {
		printer.Fprintf(&b, "graph findings:\n")
		for _, findingType := range sortedKeys(s.findings) {
			printer.Fprintf(&b, "  %-20s %d\n", findingType, s.findings[findingType])
		}
	}

	printer.Fprintf(&b, "fused decisions: %d (alerting: %d)\n", s.decisions, s.alerting)
	for _, action := range sortedActionKeys(s.actions) {
		printer.Fprintf(&b, "  %-18s %d\n", action, s.actions[action])
	}

	return b.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedActionKeys(m map[fusion.Action]uint64) []fusion.Action {
	keys := make([]fusion.Action, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
