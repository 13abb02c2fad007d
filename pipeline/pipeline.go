// Package pipeline wires the full detection path together: classified
// records fan out to worker lanes keyed by source host, each lane runs the
// rule detectors, and every layer's verdicts meet in the fusion engine
// before alerting decisions reach the sink.
package pipeline

import (
	"bufio"
	"context"
	"io"
	"path/filepath"

	"github.com/Cxiyuan/NTA/baseline"
	"github.com/Cxiyuan/NTA/config"
	"github.com/Cxiyuan/NTA/detection"
	"github.com/Cxiyuan/NTA/fusion"
	"github.com/Cxiyuan/NTA/graph"
	"github.com/Cxiyuan/NTA/importer"
	"github.com/Cxiyuan/NTA/intel"
	"github.com/Cxiyuan/NTA/logger"
	"github.com/Cxiyuan/NTA/ml"
	"github.com/Cxiyuan/NTA/sink"

	"github.com/dchest/siphash"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// lane hash keys are fixed so a source host always lands on the same lane
// across runs
const (
	laneHashKey0 = 0x0706050403020100
	laneHashKey1 = 0x0f0e0d0c0b0a0908
)

// state file names under the state directory
const (
	graphStateFile    = "graph.json"
	baselineStateFile = "baselines.json"
	intelStateFile    = "intel.json"
	modelStateFile    = "model.gob"
)

// lane is one worker's record stream and its private detector state
type lane struct {
	records  chan importer.Record
	detector *detection.Detector
	features map[string]*hostFeatures
}

// Pipeline owns every detection component for one run
type Pipeline struct {
	ID  uuid.UUID
	cfg *config.Config

	afs   afero.Fs
	clock clockwork.Clock

	classifier *importer.Classifier
	lanes      []*lane
	graph      *graph.Graph
	analyzer   *graph.Analyzer
	intel      *intel.Service
	ml         *ml.Detector
	baseline   *baseline.Learner
	engine     *fusion.Engine
	sink       *sink.Sink

	stats *Stats
}

// NewPipeline assembles a pipeline from configuration. The forwarder decides
// where alerts land; state is loaded from the configured state directory
// when present.
func NewPipeline(cfg *config.Config, afs afero.Fs, forwarder sink.Forwarder, clock clockwork.Clock) (*Pipeline, error) {
	zlog := logger.GetLogger()

	p := &Pipeline{
		ID:         uuid.New(),
		cfg:        cfg,
		afs:        afs,
		clock:      clock,
		classifier: importer.NewClassifier(),
		graph:      graph.NewGraph(),
		analyzer:   graph.NewAnalyzer(cfg.Graph, cfg.Filtering),
		intel:      intel.NewService(cfg.Intel, clock),
		ml:         ml.NewDetector(),
		baseline:   baseline.NewLearner(cfg.Baseline),
		engine:     fusion.NewEngine(cfg.Fusion, clock),
		sink:       sink.NewSink(cfg.Sink, forwarder, clock),
		stats:      NewStats(),
	}

	hashes := detection.NewHashTracker(cfg.Detection.MaxTrackedEntries)
	for i := 0; i < cfg.Pipeline.WorkerLanes; i++ {
		p.lanes = append(p.lanes, &lane{
			records:  make(chan importer.Record, cfg.Pipeline.ChannelBuffer),
			detector: detection.NewDetector(cfg.Detection, cfg.Filtering, hashes),
			features: make(map[string]*hostFeatures),
		})
	}

	if err := p.loadState(); err != nil {
		return nil, err
	}

	zlog.Info().
		Str("run_id", p.ID.String()).
		Int("lanes", len(p.lanes)).
		Msg("pipeline assembled")
	return p, nil
}

// loadState restores persisted graph, baseline, intel and model state.
// Missing files are a fresh start, not an error.
func (p *Pipeline) loadState() error {
	zlog := logger.GetLogger()
	dir := p.cfg.Env.StateDirectory

	load := func(name string, load func(afero.Fs, string) error) {
		path := filepath.Join(dir, name)
		if exists, _ := afero.Exists(p.afs, path); !exists {
			return
		}
		if err := load(p.afs, path); err != nil {
			zlog.Warn().Err(err).Str("path", path).Msg("unable to restore state file, starting fresh")
		}
	}

	load(graphStateFile, p.graph.Load)
	load(baselineStateFile, p.baseline.Load)
	load(intelStateFile, p.intel.LoadCache)

	// the model loader already treats absence as disabled
	if err := p.ml.Load(p.afs, filepath.Join(dir, modelStateFile)); err != nil {
		zlog.Warn().Err(err).Msg("unable to load model artifact, anomaly detection disabled")
	}
	return nil
}

// persistState writes graph, baseline and intel state for the next run
func (p *Pipeline) persistState() error {
	dir := p.cfg.Env.StateDirectory
	if err := p.afs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := p.graph.Save(p.afs, filepath.Join(dir, graphStateFile), p.clock.Now().UTC()); err != nil {
		return err
	}
	if err := p.baseline.Save(p.afs, filepath.Join(dir, baselineStateFile)); err != nil {
		return err
	}
	return p.intel.SaveCache(p.afs, filepath.Join(dir, intelStateFile))
}

// laneFor maps a source host onto its worker lane
func (p *Pipeline) laneFor(source string) *lane {
	idx := siphash.Hash(laneHashKey0, laneHashKey1, []byte(source)) % uint64(len(p.lanes))
	return p.lanes[idx]
}

// Run consumes newline-delimited JSON log records from the reader until EOF
// or context cancellation, then drains the lanes, runs the closing graph
// analysis, persists state and flushes the sink.
func (p *Pipeline) Run(ctx context.Context, input io.Reader) error {
	zlog := logger.GetLogger()

	refresher := intel.NewRefresher(p.intel)
	feedCtx, stopFeeds := context.WithCancel(ctx)
	defer stopFeeds()
	go refresher.Run(feedCtx)

	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		_ = p.sink.Run(sinkCtx)
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, ln := range p.lanes {
		ln := ln
		group.Go(func() error {
			for rec := range ln.records {
				p.processRecord(ln, rec)
			}
			return nil
		})
	}

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

scan:
	for scanner.Scan() {
		select {
		case <-groupCtx.Done():
			break scan
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		rec, err := p.classifier.Classify(line)
		if err != nil {
			continue
		}

		ln := p.laneFor(rec.SourceHost())
		select {
		case ln.records <- rec:
		case <-groupCtx.Done():
			break scan
		}
	}

	for _, ln := range p.lanes {
		close(ln.records)
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		zlog.Err(err).Msg("error while scanning input")
	}

	p.runGraphAnalysis()

	if err := p.persistState(); err != nil {
		zlog.Err(err).Msg("unable to persist pipeline state")
	}

	stopSink()
	<-sinkDone
	if err := p.sink.Flush(context.Background()); err != nil {
		zlog.Err(err).Msg("unable to flush alert sink before deadline")
	}

	zlog.Info().Str("run_id", p.ID.String()).Msg("pipeline run complete")
	return nil
}

// runGraphAnalysis takes a snapshot, runs the structural analyses and fuses
// each finding as a graph-driven event
func (p *Pipeline) runGraphAnalysis() {
	snap := p.graph.Snapshot()
	findings := p.analyzer.Analyze(snap)

	for _, finding := range findings {
		p.stats.CountFinding(finding.Type)

		var detections fusion.Detections
		var scores fusion.Scores
		detections.Set(fusion.GraphAnalysis, true)
		scores.Set(fusion.GraphAnalysis, normalizeFindingScore(finding.Score))

		decision := p.engine.ProcessEvent(fusion.Event{
			Source:      finding.Source,
			Type:        finding.Type,
			Description: finding.Description,
			Detections:  detections,
			Scores:      scores,
			Summary: map[string]any{
				"finding": finding.Type,
				"path":    finding.Path,
			},
		})
		p.stats.CountDecision(decision)
		p.sink.Submit(decision)
	}
}

// Stats returns the run counters
func (p *Pipeline) Stats() *Stats {
	return p.stats
}

// Classifier exposes the parse counters for the run summary
func (p *Pipeline) Classifier() *importer.Classifier {
	return p.classifier
}

func normalizeFindingScore(score float64) float64 {
	normalized := score / 100
	if normalized > 1 {
		return 1
	}
	if normalized < 0 {
		return 0
	}
	return normalized
}
