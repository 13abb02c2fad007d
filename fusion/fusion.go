// Package fusion combines the verdicts of every detection layer into a
// single decision. The core is a naive Bayes update over per-detector
// true/false positive rates, blended with a weighted vote, followed by
// contextual adjustment and an action ladder.
package fusion

import "fmt"

// Detector identifies one detection layer. The hot path indexes fixed-size
// arrays by detector; string names appear only at the JSON boundary.
type Detector int

const (
	ZeekScan Detector = iota
	ZeekAuth
	ZeekExec
	ZeekDPI
	ZeekEncrypted
	ZeekZeroday
	MLAnomaly
	GraphAnalysis
	ThreatIntel
	BaselineDeviation
	NumDetectors
)

var detectorNames = [NumDetectors]string{
	"zeek_scan",
	"zeek_auth",
	"zeek_exec",
	"zeek_dpi",
	"zeek_encrypted",
	"zeek_zeroday",
	"ml_anomaly",
	"graph_analysis",
	"threat_intel",
	"baseline_deviation",
}

func (d Detector) String() string {
	if d < 0 || d >= NumDetectors {
		return fmt.Sprintf("detector(%d)", int(d))
	}
	return detectorNames[d]
}

// DetectorByName resolves a wire name back to its identity
func DetectorByName(name string) (Detector, bool) {
	for d, n := range detectorNames {
		if n == name {
			return Detector(d), true
		}
	}
	return 0, false
}

// Accuracy is the calibrated true and false positive rate of a detector
type Accuracy struct {
	TPR float64
	FPR float64
}

// calibrated per-detector accuracies
var defaultAccuracies = [NumDetectors]Accuracy{
	ZeekScan:          {TPR: 0.90, FPR: 0.10},
	ZeekAuth:          {TPR: 0.90, FPR: 0.08},
	ZeekExec:          {TPR: 0.85, FPR: 0.12},
	ZeekDPI:           {TPR: 0.80, FPR: 0.15},
	ZeekEncrypted:     {TPR: 0.75, FPR: 0.20},
	ZeekZeroday:       {TPR: 0.70, FPR: 0.25},
	MLAnomaly:         {TPR: 0.85, FPR: 0.10},
	GraphAnalysis:     {TPR: 0.80, FPR: 0.12},
	ThreatIntel:       {TPR: 0.95, FPR: 0.02},
	BaselineDeviation: {TPR: 0.75, FPR: 0.18},
}

// per-detector vote weights
var defaultWeights = [NumDetectors]float64{
	ZeekScan:          1.0,
	ZeekAuth:          1.2,
	ZeekExec:          1.3,
	ZeekDPI:           0.9,
	ZeekEncrypted:     0.8,
	ZeekZeroday:       0.7,
	MLAnomaly:         1.1,
	GraphAnalysis:     1.0,
	ThreatIntel:       1.5,
	BaselineDeviation: 0.9,
}

// Detections records which detectors reported on an event and whether each
// one triggered. A detector that did not report is excluded from both the
// posterior and the vote.
type Detections struct {
	present   [NumDetectors]bool
	triggered [NumDetectors]bool
}

// Set records a detector verdict
func (d *Detections) Set(det Detector, triggered bool) {
	d.present[det] = true
	d.triggered[det] = triggered
}

// Triggered reports whether a detector reported and fired
func (d *Detections) Triggered(det Detector) bool {
	return d.present[det] && d.triggered[det]
}

// Present reports whether a detector reported at all
func (d *Detections) Present(det Detector) bool {
	return d.present[det]
}

// TriggeredCount returns how many detectors fired
func (d *Detections) TriggeredCount() int {
	count := 0
	for det := Detector(0); det < NumDetectors; det++ {
		if d.Triggered(det) {
			count++
		}
	}
	return count
}

// PresentCount returns how many detectors reported
func (d *Detections) PresentCount() int {
	count := 0
	for _, p := range d.present {
		if p {
			count++
		}
	}
	return count
}

// TriggeredNames returns the wire names of the detectors that fired
func (d *Detections) TriggeredNames() []string {
	var names []string
	for det := Detector(0); det < NumDetectors; det++ {
		if d.Triggered(det) {
			names = append(names, det.String())
		}
	}
	return names
}

// Scores carries optional per-detector strength values in [0,1]
type Scores struct {
	present [NumDetectors]bool
	value   [NumDetectors]float64
}

// Set records a detector score
func (s *Scores) Set(det Detector, score float64) {
	s.present[det] = true
	s.value[det] = score
}

// Any reports whether any score was recorded
func (s *Scores) Any() bool {
	for _, p := range s.present {
		if p {
			return true
		}
	}
	return false
}

// calculator holds the accuracy and weight tables after config overrides
type calculator struct {
	prior      float64
	accuracies [NumDetectors]Accuracy
	weights    [NumDetectors]float64
}

// Posterior runs the naive Bayes update over the reporting detectors. Each
// reporting detector contributes one likelihood factor and one per-detector
// evidence factor; the product of the latter can undershoot the true joint
// evidence, so the ratio is clamped to [0,1]. With nothing reporting the
// posterior stays at the prior; a slate of non-triggering detectors drives
// it below the prior.
func (c *calculator) Posterior(detections *Detections) float64 {
	likelihood := 1.0
	evidence := 1.0
	for det := Detector(0); det < NumDetectors; det++ {
		if !detections.Present(det) {
			continue
		}
		acc := c.accuracies[det]
		if detections.Triggered(det) {
			likelihood *= acc.TPR
			evidence *= acc.TPR*c.prior + acc.FPR*(1-c.prior)
		} else {
			likelihood *= 1 - acc.TPR
			evidence *= (1-acc.TPR)*c.prior + (1-acc.FPR)*(1-c.prior)
		}
	}

	if evidence == 0 {
		return 0
	}
	posterior := likelihood * c.prior / evidence
	if posterior > 1 {
		return 1
	}
	if posterior < 0 {
		return 0
	}
	return posterior
}

// WeightedVote aggregates the scored detectors: the weighted mean of every
// strength value on record
func (c *calculator) WeightedVote(scores *Scores) float64 {
	var total, voted float64
	for det := Detector(0); det < NumDetectors; det++ {
		if !scores.present[det] {
			continue
		}
		weight := c.weights[det]
		total += weight
		voted += weight * scores.value[det]
	}
	if total == 0 {
		return 0
	}
	return voted / total
}

// Fuse combines the posterior and the vote. The blend only applies when
// score information exists; otherwise the posterior stands alone.
func (c *calculator) Fuse(detections *Detections, scores *Scores) float64 {
	posterior := c.Posterior(detections)
	if scores == nil || !scores.Any() {
		return posterior
	}
	return 0.6*posterior + 0.4*c.WeightedVote(scores)
}

// Confidence expresses how much corroboration backs a decision. With no
// detectors reporting there is nothing to be confident about.
func Confidence(detections *Detections) float64 {
	if detections.PresentCount() == 0 {
		return 0
	}
	switch triggered := detections.TriggeredCount(); {
	case triggered >= 5:
		return 0.95
	case triggered >= 3:
		return 0.85
	case triggered >= 2:
		return 0.70
	case triggered == 1:
		return 0.50
	default:
		return 0.20
	}
}

// Action is the response the decision calls for
type Action string

const (
	ActionBlockImmediately Action = "BLOCK_IMMEDIATELY"
	ActionAlertSOCUrgent   Action = "ALERT_SOC_URGENT"
	ActionAlertSOCHigh     Action = "ALERT_SOC_HIGH"
	ActionAlertSOCNormal   Action = "ALERT_SOC_NORMAL"
	ActionMonitorClosely   Action = "MONITOR_CLOSELY"
	ActionLogOnly          Action = "LOG_ONLY"
)

// ActionForScore maps a fused score onto the response ladder
func ActionForScore(score float64) Action {
	switch {
	case score >= 0.9999:
		return ActionBlockImmediately
	case score >= 0.99:
		return ActionAlertSOCUrgent
	case score >= 0.95:
		return ActionAlertSOCHigh
	case score >= 0.90:
		return ActionAlertSOCNormal
	case score >= 0.80:
		return ActionMonitorClosely
	default:
		return ActionLogOnly
	}
}

// Alerting reports whether an action reaches the alert sink
func (a Action) Alerting() bool {
	switch a {
	case ActionBlockImmediately, ActionAlertSOCUrgent, ActionAlertSOCHigh, ActionAlertSOCNormal:
		return true
	default:
		return false
	}
}

// Severity maps an action onto an alert severity
func (a Action) Severity() string {
	switch a {
	case ActionBlockImmediately, ActionAlertSOCUrgent:
		return "CRITICAL"
	case ActionAlertSOCHigh:
		return "HIGH"
	case ActionAlertSOCNormal:
		return "MEDIUM"
	case ActionMonitorClosely:
		return "LOW"
	default:
		return "INFO"
	}
}
