// Package ml scores per-host behavior feature vectors against a pretrained
// isolation forest. Training happens offline; this package only loads the
// model artifact and scores. A missing or incompatible artifact disables the
// detector rather than failing the pipeline.
package ml

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/Cxiyuan/NTA/logger"

	"github.com/spf13/afero"
)

// ArtifactVersion is bumped whenever the encoded model layout changes.
// Artifacts with any other version are refused.
const ArtifactVersion = 1

var ErrIncompatibleArtifact = errors.New("model artifact version is not compatible")

// feature vector layout
const (
	FeatConnRate = iota
	FeatTargetCount
	FeatPortDiversity
	FeatFailedAuthRatio
	FeatAvgPacketSize
	FeatSessionDuration
	FeatUpDownRatio
	FeatInterArrivalVar
	NumFeatures
)

// Features is one host behavior observation
type Features [NumFeatures]float64

// Node is a single split or leaf in an isolation tree. Leaves have Left < 0.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Size      int
}

// Tree is one isolation tree together with the subsample size it was built on
type Tree struct {
	Nodes      []Node
	SampleSize int
}

// Scaler holds the standardization parameters applied before scoring
type Scaler struct {
	Mean [NumFeatures]float64
	Std  [NumFeatures]float64
}

// Artifact is the versioned, gob-encoded model blob produced by offline
// training
type Artifact struct {
	Version int
	Trees   []Tree
	Scaler  Scaler
	Offset  float64
}

// Result is the outcome of scoring one feature vector
type Result struct {
	Anomaly    bool    `json:"anomaly"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Detector scores feature vectors against the loaded model. The model pointer
// swaps atomically on reload, so scoring never blocks behind a reload.
type Detector struct {
	model atomic.Pointer[Artifact]
}

func NewDetector() *Detector {
	return &Detector{}
}

// Enabled reports whether a model is loaded
func (d *Detector) Enabled() bool {
	return d.model.Load() != nil
}

// Load reads a model artifact from disk and swaps it in. A missing artifact
// leaves the detector disabled without error; an incompatible one returns an
// error and leaves the current model in place.
func (d *Detector) Load(afs afero.Fs, path string) error {
	zlog := logger.GetLogger()

	exists, err := afero.Exists(afs, path)
	if err != nil {
		return err
	}
	if !exists {
		zlog.Warn().Str("path", path).Msg("no model artifact found, anomaly detection disabled")
		return nil
	}

	data, err := afero.ReadFile(afs, path)
	if err != nil {
		return err
	}

	artifact, err := DecodeArtifact(data)
	if err != nil {
		return err
	}

	d.model.Store(artifact)
	zlog.Info().Str("path", path).Int("trees", len(artifact.Trees)).Msg("loaded anomaly detection model")
	return nil
}

// Score evaluates one feature vector. With no model loaded the result is the
// zero value: not anomalous, zero score, zero confidence.
func (d *Detector) Score(features Features) Result {
	model := d.model.Load()
	if model == nil {
		return Result{}
	}

	scaled := model.Scaler.apply(features)

	var totalPath float64
	for i := range model.Trees {
		totalPath += model.Trees[i].pathLength(scaled)
	}
	avgPath := totalPath / float64(len(model.Trees))

	// anomaly score per the isolation forest formulation: short average
	// paths mean easy isolation, pushing the score toward 1
	sampleSize := model.Trees[0].SampleSize
	score := math.Pow(2, -avgPath/averagePathLength(sampleSize))

	decision := 0.5 - score
	anomaly := decision < model.Offset

	// the decision magnitude doubles as confidence: the farther from the
	// 0.5 boundary, the clearer the verdict either way
	confidence := math.Abs(decision)

	return Result{
		Anomaly:    anomaly,
		Score:      score,
		Confidence: confidence,
	}
}

// EncodeArtifact serializes a model artifact
func EncodeArtifact(artifact *Artifact) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(artifact); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeArtifact deserializes and version-checks a model artifact
func DecodeArtifact(data []byte) (*Artifact, error) {
	var artifact Artifact
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&artifact); err != nil {
		return nil, err
	}
	if artifact.Version != ArtifactVersion {
		return nil, fmt.Errorf("%w: got version %d, want %d", ErrIncompatibleArtifact, artifact.Version, ArtifactVersion)
	}
	if len(artifact.Trees) == 0 {
		return nil, errors.New("model artifact contains no trees")
	}
	return &artifact, nil
}

// SaveArtifact writes an encoded artifact to disk
func SaveArtifact(afs afero.Fs, path string, artifact *Artifact) error {
	data, err := EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	return afero.WriteFile(afs, path, data, 0o644)
}

func (s *Scaler) apply(features Features) Features {
	var scaled Features
	for i := range features {
		std := s.Std[i]
		if std == 0 {
			std = 1
		}
		scaled[i] = (features[i] - s.Mean[i]) / std
	}
	return scaled
}

// pathLength walks the tree and returns the isolation depth of the vector,
// adjusted at leaves by the expected depth of the unsplit remainder
func (t *Tree) pathLength(features Features) float64 {
	depth := 0.0
	idx := 0
	for {
		node := t.Nodes[idx]
		if node.Left < 0 {
			return depth + averagePathLength(node.Size)
		}
		if features[node.Feature] < node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// averagePathLength is the expected path length of an unsuccessful BST
// search over n items
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}
