// Package baseline learns per-host behavioral baselines online and flags
// deviations. Statistics use Welford's streaming update so mean and variance
// stay numerically stable over long runs. Hourly activity profiles capture
// each host's working rhythm for off-hours detection.
package baseline

import (
	"math"
	"sync"
	"time"

	"github.com/Cxiyuan/NTA/config"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Stats is a streaming mean/variance accumulator
type Stats struct {
	Mean  float64
	m2    float64
	Count uint64
}

// Add folds one observation into the accumulator
func (s *Stats) Add(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / float64(s.Count)
	s.m2 += delta * (x - s.Mean)
}

// Variance returns the population variance of the observations so far
func (s *Stats) Variance() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.m2 / float64(s.Count)
}

// Std returns the population standard deviation
func (s *Stats) Std() float64 {
	return math.Sqrt(s.Variance())
}

// Z returns how many standard deviations x sits from the learned mean. A
// degenerate baseline with zero spread contributes nothing.
func (s *Stats) Z(x float64) float64 {
	std := s.Std()
	if std == 0 {
		return 0
	}
	return (x - s.Mean) / std
}

// Deviation describes one metric that strayed from its baseline
type Deviation struct {
	Metric   string  `json:"metric"`
	Value    float64 `json:"value"`
	Expected float64 `json:"expected"`
	ZScore   float64 `json:"z_score"`
}

// Anomaly is the result of checking an observation against a host baseline
type Anomaly struct {
	Anomalous  bool        `json:"anomalous"`
	Score      float64     `json:"score"`
	Deviations []Deviation `json:"deviations,omitempty"`
}

// Learner holds the per-host per-metric baselines and hourly profiles
type Learner struct {
	mu      sync.Mutex
	cfg     config.Baseline
	metrics map[string]map[string]*Stats
	hourly  map[string]*[24]Stats
}

func NewLearner(cfg config.Baseline) *Learner {
	return &Learner{
		cfg:     cfg,
		metrics: make(map[string]map[string]*Stats),
		hourly:  make(map[string]*[24]Stats),
	}
}

// Observe folds one set of metric observations into a host's baseline
func (l *Learner) Observe(host string, metrics map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hostMetrics, ok := l.metrics[host]
	if !ok {
		hostMetrics = make(map[string]*Stats, len(metrics))
		l.metrics[host] = hostMetrics
	}
	for name, value := range metrics {
		stats, ok := hostMetrics[name]
		if !ok {
			stats = &Stats{}
			hostMetrics[name] = stats
		}
		stats.Add(value)
	}
}

// Check compares an observation against the host's learned baseline. A host
// with no baseline is never anomalous. Metrics straying beyond the z-score
// limit contribute their absolute z to the total; the observation is
// anomalous when the total clears the anomaly limit.
func (l *Learner) Check(host string, metrics map[string]float64) Anomaly {
	l.mu.Lock()
	defer l.mu.Unlock()

	hostMetrics, ok := l.metrics[host]
	if !ok {
		return Anomaly{}
	}

	var result Anomaly
	for name, value := range metrics {
		stats, ok := hostMetrics[name]
		if !ok {
			continue
		}
		z := stats.Z(value)
		if math.Abs(z) > l.cfg.ZScoreLimit {
			result.Score += math.Abs(z)
			result.Deviations = append(result.Deviations, Deviation{
				Metric:   name,
				Value:    value,
				Expected: stats.Mean,
				ZScore:   z,
			})
		}
	}
	result.Anomalous = result.Score > l.cfg.AnomalyScoreLimit
	return result
}

// ObserveHourly folds one hourly connection volume into a host's profile
func (l *Learner) ObserveHourly(host string, ts time.Time, volume float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	profile, ok := l.hourly[host]
	if !ok {
		profile = &[24]Stats{}
		l.hourly[host] = profile
	}
	profile[ts.Hour()].Add(volume)
}

// CheckHourly compares a volume against the host's profile for that hour of
// day. Deviation in either direction counts: a host going quiet is as
// abnormal as a spike. Overnight hours use a tight threshold, business hours
// a loose one. Hours with too few samples never flag.
func (l *Learner) CheckHourly(host string, ts time.Time, volume float64) (bool, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	profile, ok := l.hourly[host]
	if !ok {
		return false, 0
	}

	hour := ts.Hour()
	stats := &profile[hour]
	if stats.Count < l.cfg.MinHourlySamples {
		return false, 0
	}

	z := stats.Z(volume)
	return math.Abs(z) > hourlyThreshold(hour), z
}

// hourlyThreshold returns the z-score cutoff for an hour of day
func hourlyThreshold(hour int) float64 {
	switch {
	case hour >= 2 && hour <= 6:
		return 2
	case hour >= 9 && hour <= 17:
		return 5
	default:
		return 3
	}
}

// persisted forms

type statsState struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Count uint64  `json:"count"`
}

type learnerState struct {
	Metrics map[string]map[string]statsState `json:"metrics"`
	Hourly  map[string][24]statsState        `json:"hourly"`
}

func saveStats(s *Stats) statsState {
	return statsState{Mean: s.Mean, Std: s.Std(), Count: s.Count}
}

func loadStats(s statsState) Stats {
	return Stats{
		Mean:  s.Mean,
		m2:    s.Std * s.Std * float64(s.Count),
		Count: s.Count,
	}
}

// Save writes the learner state as JSON
func (l *Learner) Save(afs afero.Fs, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := learnerState{
		Metrics: make(map[string]map[string]statsState, len(l.metrics)),
		Hourly:  make(map[string][24]statsState, len(l.hourly)),
	}
	for host, hostMetrics := range l.metrics {
		out := make(map[string]statsState, len(hostMetrics))
		for name, stats := range hostMetrics {
			out[name] = saveStats(stats)
		}
		state.Metrics[host] = out
	}
	for host, profile := range l.hourly {
		var out [24]statsState
		for hour := range profile {
			out[hour] = saveStats(&profile[hour])
		}
		state.Hourly[host] = out
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return afero.WriteFile(afs, path, data, 0o644)
}

// Load replaces the learner state with previously saved state
func (l *Learner) Load(afs afero.Fs, path string) error {
	data, err := afero.ReadFile(afs, path)
	if err != nil {
		return err
	}

	var state learnerState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = make(map[string]map[string]*Stats, len(state.Metrics))
	for host, hostMetrics := range state.Metrics {
		in := make(map[string]*Stats, len(hostMetrics))
		for name, saved := range hostMetrics {
			stats := loadStats(saved)
			in[name] = &stats
		}
		l.metrics[host] = in
	}
	l.hourly = make(map[string]*[24]Stats, len(state.Hourly))
	for host, profile := range state.Hourly {
		restored := &[24]Stats{}
		for hour := range profile {
			restored[hour] = loadStats(profile[hour])
		}
		l.hourly[host] = restored
	}
	return nil
}
