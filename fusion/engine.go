package fusion

import (
	"sync"
	"time"

	"github.com/Cxiyuan/NTA/config"
	"github.com/Cxiyuan/NTA/logger"

	"github.com/jonboulle/clockwork"
)

// Event is one suspicious observation handed to the fusion engine. Type names
// what kind of activity was observed; Description is its one-line account.
type Event struct {
	Timestamp   time.Time
	Source      string
	Destination string
	Type        string
	Description string
	Detections  Detections
	Scores      Scores
	Summary     map[string]any
}

// Decision is the fused verdict for one event
type Decision struct {
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	Destination   string         `json:"destination"`
	Type          string         `json:"type"`
	Description   string         `json:"description,omitempty"`
	Score         float64        `json:"score"`
	BaseScore     float64        `json:"base_score"`
	Posterior     float64        `json:"posterior"`
	Confidence    float64        `json:"confidence"`
	Action        Action         `json:"action"`
	Severity      string         `json:"severity"`
	Detections    []string       `json:"detections"`
	Adjustments   []string       `json:"adjustments,omitempty"`
	Summary       map[string]any `json:"details,omitempty"`
	Investigation *Investigation `json:"investigation,omitempty"`
}

// Investigation is the triage guidance attached to critical decisions
type Investigation struct {
	Priority string   `json:"priority"`
	Steps    []string `json:"steps"`
}

// Engine fuses detector verdicts, applies the contextual business rules and
// keeps the sliding per-source alert history used for repeat offender
// detection
type Engine struct {
	mu    sync.Mutex
	cfg   config.Fusion
	calc  calculator
	clock clockwork.Clock

	vipHosts map[string]struct{}
	history  map[string][]time.Time
}

func NewEngine(cfg config.Fusion, clock clockwork.Clock) *Engine {
	calc := calculator{
		prior:      cfg.Prior,
		accuracies: defaultAccuracies,
		weights:    defaultWeights,
	}
	for name, override := range cfg.AccuracyOverrides {
		if det, ok := DetectorByName(name); ok {
			calc.accuracies[det] = Accuracy{TPR: override.TPR, FPR: override.FPR}
		}
	}
	for name, weight := range cfg.WeightOverrides {
		if det, ok := DetectorByName(name); ok {
			calc.weights[det] = weight
		}
	}

	vipHosts := make(map[string]struct{}, len(cfg.VIPHosts)+len(cfg.CriticalServers))
	for _, host := range cfg.VIPHosts {
		vipHosts[host] = struct{}{}
	}
	for _, host := range cfg.CriticalServers {
		vipHosts[host] = struct{}{}
	}

	return &Engine{
		cfg:      cfg,
		calc:     calc,
		clock:    clock,
		vipHosts: vipHosts,
		history:  make(map[string][]time.Time),
	}
}

// ProcessEvent fuses one event into a decision. The event is appended to the
// source's history before the contextual rules run, so it counts toward its
// own repeat offender check.
func (e *Engine) ProcessEvent(event Event) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	zlog := logger.GetLogger()

	ts := event.Timestamp
	if ts.IsZero() {
		ts = e.clock.Now()
	}

	base := e.calc.Fuse(&event.Detections, &event.Scores)
	posterior := e.calc.Posterior(&event.Detections)
	confidence := Confidence(&event.Detections)

	recent := e.recordHistory(event.Source, ts)

	score := base
	var adjustments []string

	if _, vip := e.vipHosts[event.Destination]; vip {
		score = capScore(score * 1.3)
		adjustments = append(adjustments, "vip_target")
	}
	if recent >= e.cfg.RepeatOffenderCount {
		score = capScore(score * 1.2)
		adjustments = append(adjustments, "repeat_offender")
	}
	if hour := ts.Hour(); (hour < 9 || hour > 17) && score > 0.80 {
		score = capScore(score * 1.15)
		adjustments = append(adjustments, "off_hours")
	}

	action := ActionForScore(score)
	decision := Decision{
		Timestamp:   ts,
		Source:      event.Source,
		Destination: event.Destination,
		Type:        event.Type,
		Description: event.Description,
		Score:       score,
		BaseScore:   base,
		Posterior:   posterior,
		Confidence:  confidence,
		Action:      action,
		Severity:    action.Severity(),
		Detections:  event.Detections.TriggeredNames(),
		Adjustments: adjustments,
		Summary:     event.Summary,
	}

	if decision.Severity == "CRITICAL" {
		decision.Investigation = buildInvestigation(&decision)
	}

	zlog.Debug().
		Str("source", event.Source).
		Str("destination", event.Destination).
		Float64("score", score).
		Str("action", string(action)).
		Strs("detections", decision.Detections).
		Msg("fused detection event")

	return decision
}

// HistoryDepth returns how many events remain in a source's sliding window
func (e *Engine) HistoryDepth(source string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.evictHistory(source, e.clock.Now()))
}

// recordHistory appends an event time to a source's history, evicts entries
// older than the window and returns the remaining depth
func (e *Engine) recordHistory(source string, ts time.Time) int {
	e.history[source] = append(e.history[source], ts)
	return len(e.evictHistory(source, ts))
}

func (e *Engine) evictHistory(source string, now time.Time) []time.Time {
	window := time.Duration(e.cfg.HistoryWindowHours) * time.Hour
	entries := e.history[source]
	cut := 0
	for cut < len(entries) && now.Sub(entries[cut]) > window {
		cut++
	}
	if cut > 0 {
		entries = entries[cut:]
		if len(entries) == 0 {
			delete(e.history, source)
		} else {
			e.history[source] = entries
		}
	}
	return entries
}

func capScore(score float64) float64 {
	if score > 1 {
		return 1
	}
	return score
}

func buildInvestigation(decision *Decision) *Investigation {
	steps := []string{
		"isolate " + decision.Source + " from the network",
		"review authentication logs for " + decision.Source,
		"capture volatile memory from " + decision.Source,
	}
	if decision.Destination != "" {
		steps = append(steps, "inspect "+decision.Destination+" for dropped tooling and persistence")
	}
	steps = append(steps, "sweep for the triggered indicators across the environment")

	return &Investigation{
		Priority: "P1",
		Steps:    steps,
	}
}
