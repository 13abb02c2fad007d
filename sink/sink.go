// Package sink turns alerting fusion decisions into delivered alerts. It
// deduplicates bursts, buffers through a bounded queue that sheds the oldest
// alert under pressure, rate-limits outbound delivery and retries transient
// forwarder failures with exponential backoff.
package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Cxiyuan/NTA/config"
	"github.com/Cxiyuan/NTA/fusion"
	"github.com/Cxiyuan/NTA/logger"
	"github.com/Cxiyuan/NTA/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Alert is the outbound alert document
type Alert struct {
	AlertID           string                `json:"alert_id"`
	Timestamp         string                `json:"timestamp"`
	Severity          string                `json:"severity"`
	Confidence        float64               `json:"confidence"`
	Score             float64               `json:"score"`
	EventSummary      EventSummary          `json:"event_summary"`
	Detections        []string              `json:"detections"`
	Context           []string              `json:"context,omitempty"`
	Details           map[string]any        `json:"details,omitempty"`
	RecommendedAction fusion.Action         `json:"recommended_action"`
	Investigation     *fusion.Investigation `json:"investigation,omitempty"`
}

// EventSummary identifies the event behind an alert
type EventSummary struct {
	Source      string `json:"source"`
	Destination string `json:"destination,omitempty"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Forwarder delivers one alert to its destination
type Forwarder interface {
	Forward(ctx context.Context, alert Alert) error
}

// Sink accepts alerting decisions and delivers them asynchronously
type Sink struct {
	cfg       config.Sink
	forwarder Forwarder
	clock     clockwork.Clock
	limiter   *rate.Limiter

	mu    sync.Mutex
	queue []Alert
	seen  map[util.FixedString]time.Time
	wake  chan struct{}

	Delivered uint64
	Dropped   uint64
	Deduped   uint64
	Failed    uint64
}

func NewSink(cfg config.Sink, forwarder Forwarder, clock clockwork.Clock) *Sink {
	return &Sink{
		cfg:       cfg,
		forwarder: forwarder,
		clock:     clock,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond),
		seen:      make(map[util.FixedString]time.Time),
		wake:      make(chan struct{}, 1),
	}
}

// Submit accepts a decision whose action alerts. Duplicate decisions for the
// same source, alert type and minute are absorbed; a full queue sheds its
// oldest alert to make room.
func (s *Sink) Submit(decision fusion.Decision) {
	if !decision.Action.Alerting() {
		return
	}

	zlog := logger.GetLogger()

	alert := buildAlert(decision)

	key, err := dedupKey(decision)
	if err != nil {
		zlog.Err(err).Str("source", decision.Source).Msg("unable to compute alert dedup key")
		return
	}

	s.mu.Lock()
	now := s.clock.Now()
	s.pruneSeen(now)
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		atomic.AddUint64(&s.Deduped, 1)
		return
	}
	s.seen[key] = now

	if len(s.queue) >= s.cfg.QueueSize {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		atomic.AddUint64(&s.Dropped, 1)
		zlog.Warn().Str("alert_id", dropped.AlertID).Msg("alert queue full, dropping oldest alert")
	}
	s.queue = append(s.queue, alert)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run delivers queued alerts until the context is canceled
func (s *Sink) Run(ctx context.Context) error {
	for {
		alert, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}
		s.deliver(ctx, alert)
	}
}

// Flush synchronously delivers everything left in the queue, giving up at
// the configured deadline
func (s *Sink) Flush(ctx context.Context) error {
	deadline := time.Duration(s.cfg.FlushDeadlineSecs) * time.Second
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		alert, ok := s.pop()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			s.mu.Lock()
			remaining := uint64(len(s.queue)) + 1
			s.queue = nil
			s.mu.Unlock()
			atomic.AddUint64(&s.Dropped, remaining)
			return err
		}
		s.deliver(ctx, alert)
	}
}

// QueueDepth returns how many alerts await delivery
func (s *Sink) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Sink) pop() (Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Alert{}, false
	}
	alert := s.queue[0]
	s.queue = s.queue[1:]
	return alert, true
}

// deliver pushes one alert through the rate limiter and the forwarder,
// retrying transient failures with exponential backoff
func (s *Sink) deliver(ctx context.Context, alert Alert) {
	zlog := logger.GetLogger()

	if err := s.limiter.Wait(ctx); err != nil {
		atomic.AddUint64(&s.Failed, 1)
		return
	}

	operation := func() error {
		opCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.DeliveryTimeoutSecs)*time.Second)
		defer cancel()
		return s.forwarder.Forward(opCtx, alert)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = time.Duration(s.cfg.MaxRetryElapsedSecs) * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		atomic.AddUint64(&s.Failed, 1)
		zlog.Err(err).Str("alert_id", alert.AlertID).Msg("unable to deliver alert")
		return
	}

	atomic.AddUint64(&s.Delivered, 1)
}

// pruneSeen drops dedup entries older than the dedup window
func (s *Sink) pruneSeen(now time.Time) {
	window := time.Duration(s.cfg.DedupeWindowMinutes) * time.Minute
	for key, when := range s.seen {
		if now.Sub(when) > window {
			delete(s.seen, key)
		}
	}
}

// dedupKey collapses a decision onto its source, alert type and minute bucket
func dedupKey(decision fusion.Decision) (util.FixedString, error) {
	minute := decision.Timestamp.UTC().Format("200601021504")
	return util.NewFixedStringHash(decision.Source, decision.Type, minute)
}

func buildAlert(decision fusion.Decision) Alert {
	return Alert{
		AlertID:    "ALERT-" + decision.Timestamp.UTC().Format("20060102150405"),
		Timestamp:  decision.Timestamp.UTC().Format(time.RFC3339),
		Severity:   decision.Severity,
		Confidence: decision.Confidence,
		Score:      decision.Score,
		EventSummary: EventSummary{
			Source:      decision.Source,
			Destination: decision.Destination,
			Type:        decision.Type,
			Description: decision.Description,
		},
		Detections:        decision.Detections,
		Context:           decision.Adjustments,
		Details:           decision.Summary,
		RecommendedAction: decision.Action,
		Investigation:     decision.Investigation,
	}
}
