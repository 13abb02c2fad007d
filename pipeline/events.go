package pipeline

import (
	"math"
	"time"

	"github.com/Cxiyuan/NTA/detection"
	"github.com/Cxiyuan/NTA/fusion"
	"github.com/Cxiyuan/NTA/importer"
	"github.com/Cxiyuan/NTA/intel"
	"github.com/Cxiyuan/NTA/logger"
	"github.com/Cxiyuan/NTA/ml"

	"github.com/montanaflynn/stats"
)

// intel risk above this raw value counts as a threat intel trigger
const intelRiskThreshold = 30

// sample windows for the streaming feature estimates
const featureWindow = 64

// hostFeatures accumulates the per-source behavior used to build ML feature
// vectors and baseline metrics. Lane ownership means no locking.
type hostFeatures struct {
	firstSeen     time.Time
	lastSeen      time.Time
	connCount     float64
	failedAuth    float64
	durationSum   float64
	upBytes       float64
	downBytes     float64
	targets       map[string]struct{}
	ports         map[uint16]struct{}
	interArrivals []float64
	packetSizes   []float64

	hourStart time.Time
	hourCount float64
}

func (ln *lane) featuresFor(source string, ts time.Time) *hostFeatures {
	f, ok := ln.features[source]
	if !ok {
		f = &hostFeatures{
			firstSeen: ts,
			targets:   make(map[string]struct{}),
			ports:     make(map[uint16]struct{}),
		}
		ln.features[source] = f
	}
	return f
}

// observeConn folds one connection into the host's feature window
func (f *hostFeatures) observeConn(rec *importer.Record) {
	entry := rec.Conn
	ts := rec.Timestamp

	if !f.lastSeen.IsZero() {
		f.interArrivals = appendWindow(f.interArrivals, ts.Sub(f.lastSeen).Seconds())
	}
	f.lastSeen = ts
	f.connCount++
	f.durationSum += entry.Duration
	f.upBytes += float64(entry.OrigBytes)
	f.downBytes += float64(entry.RespBytes)
	f.targets[rec.Destination] = struct{}{}
	f.ports[uint16(entry.DestinationPort)] = struct{}{}

	if packets := entry.OrigPackets + entry.RespPackets; packets > 0 {
		f.packetSizes = appendWindow(f.packetSizes, float64(entry.OrigBytes+entry.RespBytes)/float64(packets))
	}
}

// vector builds the ML feature vector from the accumulated window
func (f *hostFeatures) vector() ml.Features {
	var features ml.Features

	elapsed := f.lastSeen.Sub(f.firstSeen).Minutes()
	if elapsed < 1 {
		elapsed = 1
	}
	features[ml.FeatConnRate] = f.connCount / elapsed
	features[ml.FeatTargetCount] = float64(len(f.targets))
	features[ml.FeatPortDiversity] = float64(len(f.ports))
	if f.connCount > 0 {
		features[ml.FeatFailedAuthRatio] = f.failedAuth / f.connCount
		features[ml.FeatSessionDuration] = f.durationSum / f.connCount
	}
	if mean, err := stats.Mean(f.packetSizes); err == nil {
		features[ml.FeatAvgPacketSize] = mean
	}
	down := f.downBytes
	if down < 1 {
		down = 1
	}
	features[ml.FeatUpDownRatio] = f.upBytes / down
	if variance, err := stats.PopulationVariance(f.interArrivals); err == nil {
		features[ml.FeatInterArrivalVar] = variance
	}
	return features
}

// baselineMetrics is the subset of features tracked as long-term baselines
func (f *hostFeatures) baselineMetrics(features ml.Features) map[string]float64 {
	return map[string]float64{
		"conn_rate":       features[ml.FeatConnRate],
		"target_count":    features[ml.FeatTargetCount],
		"port_diversity":  features[ml.FeatPortDiversity],
		"avg_packet_size": features[ml.FeatAvgPacketSize],
	}
}

// processRecord runs one classified record through the lane
func (p *Pipeline) processRecord(ln *lane, rec importer.Record) {
	p.stats.CountRecord(rec.Kind)

	switch rec.Kind {
	case importer.KindConn:
		p.handleConn(ln, rec)
	case importer.KindNTLM:
		p.handleRuleRecord(ln, rec, ln.detector.HandleNTLM(rec.Source, rec.Destination, rec.Timestamp, rec.NTLM))
	case importer.KindSMB:
		if rec.SMB.Status != "" && rec.SMB.Status != "STATUS_SUCCESS" {
			ln.featuresFor(rec.Source, rec.Timestamp).failedAuth++
		}
		p.handleRuleRecord(ln, rec, ln.detector.HandleSMB(rec.Source, rec.Destination, rec.Timestamp, rec.SMB))
	case importer.KindDCERPC:
		p.handleRuleRecord(ln, rec, ln.detector.HandleDCERPC(rec.Source, rec.Destination, rec.Timestamp, rec.DCERPC))
	case importer.KindRDP:
		p.handleRuleRecord(ln, rec, ln.detector.HandleRDP(rec.Source, rec.Destination, rec.Timestamp, rec.RDP))
	case importer.KindSSL:
		p.handleSSL(rec)
	}
}

// handleConn is the integration point for connection records: graph update,
// scan detector, feature accumulation, baseline check, ML scoring and intel
// enrichment, all meeting in one fusion event.
func (p *Pipeline) handleConn(ln *lane, rec importer.Record) {
	entry := rec.Conn
	ts := rec.Timestamp

	proto := entry.Service
	if proto == "" {
		proto = entry.Proto
	}
	p.graph.AddConnection(rec.Source, rec.Destination, proto, ts)

	ruleAlerts := ln.detector.HandleConn(rec.Source, rec.Destination, ts, entry)
	p.logRuleAlerts(ruleAlerts)

	f := ln.featuresFor(rec.Source, ts)
	hourAnomalous, hourZ := p.rollHourly(f, rec.Source, ts)

	// check against the learned baseline before this observation joins it
	features := f.vector()
	metrics := f.baselineMetrics(features)
	baselineResult := p.baseline.Check(rec.Source, metrics)

	f.observeConn(&rec)
	p.baseline.Observe(rec.Source, f.baselineMetrics(f.vector()))

	mlResult := p.ml.Score(features)

	enrichment := p.intel.EnrichEvent(intel.Event{
		SourceIP: rec.Source,
		DestIP:   rec.Destination,
		DestPort: uint16(entry.DestinationPort),
	})

	fanout := p.graph.OutDegree(rec.Source)
	fanoutTriggered := fanout > p.cfg.Graph.FanoutThreshold
	fanoutScore := float64(fanout) / float64(p.cfg.Graph.FanoutThreshold)
	if fanoutScore > 1 {
		fanoutScore = 1
	}

	var detections fusion.Detections
	var scores fusion.Scores

	detections.Set(fusion.ZeekScan, hasAlert(ruleAlerts, detection.AlertLateralScan))

	if p.ml.Enabled() {
		detections.Set(fusion.MLAnomaly, mlResult.Anomaly)
		scores.Set(fusion.MLAnomaly, mlResult.Score)
	}

	detections.Set(fusion.GraphAnalysis, fanoutTriggered)
	scores.Set(fusion.GraphAnalysis, fanoutScore)

	detections.Set(fusion.ThreatIntel, enrichment.RiskScore > intelRiskThreshold)
	scores.Set(fusion.ThreatIntel, normalizeRisk(enrichment.RiskScore))

	detections.Set(fusion.BaselineDeviation, baselineResult.Anomalous || hourAnomalous)
	baselineScore := normalizeBaselineScore(baselineResult.Score)
	if hourScore := normalizeBaselineScore(math.Abs(hourZ)); hourScore > baselineScore {
		baselineScore = hourScore
	}
	scores.Set(fusion.BaselineDeviation, baselineScore)

	description := firstAlertDescription(ruleAlerts, "suspicious internal connection activity")
	p.fuse(rec, description, detections, scores, map[string]any{
		"record":    rec.Kind.String(),
		"dst_port":  entry.DestinationPort,
		"protocol":  proto,
		"conn_rate": features[ml.FeatConnRate],
	})
}

// handleRuleRecord fuses the outcome of a protocol-specific rule detector
// with threat intel context
func (p *Pipeline) handleRuleRecord(ln *lane, rec importer.Record, alerts []detection.Alert) {
	p.logRuleAlerts(alerts)

	var detections fusion.Detections
	var scores fusion.Scores

	// the relevant rule detector reported on this record even if quiet
	detections.Set(detectorForKind(rec.Kind), false)
	for _, alert := range alerts {
		detections.Set(detectorForAlert(alert.Type), true)
	}

	enrichment := p.intel.EnrichEvent(intel.Event{
		SourceIP: rec.Source,
		DestIP:   rec.Destination,
	})
	detections.Set(fusion.ThreatIntel, enrichment.RiskScore > intelRiskThreshold)
	scores.Set(fusion.ThreatIntel, normalizeRisk(enrichment.RiskScore))

	description := firstAlertDescription(alerts, "suspicious "+rec.Kind.String()+" activity")
	p.fuse(rec, description, detections, scores, map[string]any{
		"record": rec.Kind.String(),
		"alerts": alertTypes(alerts),
	})
}

// handleSSL checks TLS metadata against the intel tables
func (p *Pipeline) handleSSL(rec importer.Record) {
	entry := rec.SSL

	enrichment := p.intel.EnrichEvent(intel.Event{
		SourceIP: rec.Source,
		DestIP:   rec.Destination,
		Domain:   entry.ServerName,
		JA3:      entry.JA3,
		DestPort: uint16(entry.DestinationPort),
	})

	ja3Match := p.intel.CheckJA3(entry.JA3)
	domainMatch := p.intel.CheckDomain(entry.ServerName)
	encryptedTriggered := ja3Match.IsMalicious || domainMatch.IsMalicious || domainMatch.IsSuspicious

	encryptedScore := ja3Match.Confidence
	if domainMatch.Confidence > encryptedScore {
		encryptedScore = domainMatch.Confidence
	}

	var detections fusion.Detections
	var scores fusion.Scores
	detections.Set(fusion.ZeekEncrypted, encryptedTriggered)
	if encryptedTriggered {
		scores.Set(fusion.ZeekEncrypted, encryptedScore)
	}
	detections.Set(fusion.ThreatIntel, enrichment.RiskScore > intelRiskThreshold)
	scores.Set(fusion.ThreatIntel, normalizeRisk(enrichment.RiskScore))

	p.fuse(rec, "suspicious encrypted session", detections, scores, map[string]any{
		"record":      rec.Kind.String(),
		"server_name": entry.ServerName,
		"ja3":         entry.JA3,
	})
}

// fuse hands an assembled event to the fusion engine once enough detectors
// corroborate, and forwards alerting decisions to the sink
func (p *Pipeline) fuse(rec importer.Record, description string, detections fusion.Detections, scores fusion.Scores, summary map[string]any) {
	if detections.TriggeredCount() < p.cfg.Fusion.MinTriggeredDetectors {
		return
	}

	decision := p.engine.ProcessEvent(fusion.Event{
		Timestamp:   rec.Timestamp,
		Source:      rec.Source,
		Destination: rec.Destination,
		Type:        rec.Kind.String(),
		Description: description,
		Detections:  detections,
		Scores:      scores,
		Summary:     summary,
	})
	p.stats.CountDecision(decision)
	p.sink.Submit(decision)
}

// rollHourly folds a finished hour of activity into the hourly baseline.
// When an hour closes, its volume is checked against the learned profile
// before joining it; the outcome feeds the baseline deviation detector.
func (p *Pipeline) rollHourly(f *hostFeatures, source string, ts time.Time) (bool, float64) {
	hour := ts.Truncate(time.Hour)
	if f.hourStart.IsZero() {
		f.hourStart = hour
	}

	var anomalous bool
	var z float64
	if hour.After(f.hourStart) {
		anomalous, z = p.baseline.CheckHourly(source, f.hourStart, f.hourCount)
		p.baseline.ObserveHourly(source, f.hourStart, f.hourCount)
		f.hourStart = hour
		f.hourCount = 0
	}
	f.hourCount++
	return anomalous, z
}

func (p *Pipeline) logRuleAlerts(alerts []detection.Alert) {
	zlog := logger.GetLogger()
	for _, alert := range alerts {
		p.stats.CountAlert(alert.Type)
		zlog.Warn().
			Str("type", alert.Type).
			Str("severity", string(alert.Severity)).
			Str("source", alert.Source).
			Str("destination", alert.Destination).
			Str("description", alert.Description).
			Msg("rule detector alert")
	}
}

// detectorForAlert maps a rule alert type onto its fusion detector identity
func detectorForAlert(alertType string) fusion.Detector {
	switch alertType {
	case detection.AlertLateralScan:
		return fusion.ZeekScan
	case detection.AlertPassTheHash, detection.AlertSMBBruteforce:
		return fusion.ZeekAuth
	case detection.AlertPsexec, detection.AlertWMIExecution:
		return fusion.ZeekExec
	case detection.AlertRDPHopping:
		return fusion.ZeekDPI
	default:
		return fusion.ZeekZeroday
	}
}

// detectorForKind maps a record kind onto the rule detector that consumes it
func detectorForKind(kind importer.RecordKind) fusion.Detector {
	switch kind {
	case importer.KindNTLM, importer.KindSMB:
		return fusion.ZeekAuth
	case importer.KindDCERPC:
		return fusion.ZeekExec
	case importer.KindRDP:
		return fusion.ZeekDPI
	default:
		return fusion.ZeekScan
	}
}

func firstAlertDescription(alerts []detection.Alert, fallback string) string {
	if len(alerts) > 0 {
		return alerts[0].Description
	}
	return fallback
}

func hasAlert(alerts []detection.Alert, alertType string) bool {
	for _, alert := range alerts {
		if alert.Type == alertType {
			return true
		}
	}
	return false
}

func alertTypes(alerts []detection.Alert) []string {
	types := make([]string, 0, len(alerts))
	for _, alert := range alerts {
		types = append(types, alert.Type)
	}
	return types
}

func normalizeRisk(risk int) float64 {
	score := float64(risk) / 100
	if score > 1 {
		return 1
	}
	return score
}

func normalizeBaselineScore(score float64) float64 {
	normalized := score / 20
	if normalized > 1 {
		return 1
	}
	return normalized
}

func appendWindow(window []float64, value float64) []float64 {
	if len(window) >= featureWindow {
		copy(window, window[1:])
		window = window[:len(window)-1]
	}
	return append(window, value)
}
