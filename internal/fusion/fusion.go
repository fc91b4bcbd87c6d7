// Package fusion combines per-modality predictions into one decision.
package fusion

import (
	"math"

	"github.com/Brownie44l1/breastscan-api/internal/model"
)

// Threshold is the combined probability a result must exceed to be
// labelled malignant. Exactly 0.5 resolves to benign; the tie-break is
// arbitrary and fixed.
const Threshold = 0.5

// Result is a fused multimodal decision.
type Result struct {
	Probability float64
	Label       model.Label
	Image       model.Prediction
	Tabular     model.Prediction
}

// Combine averages the two positive-class probabilities.
func Combine(img, tab model.Prediction) Result {
	p := (img.PositiveProbability() + tab.PositiveProbability()) / 2
	label := model.Negative
	if p > Threshold {
		label = model.Positive
	}
	return Result{
		Probability: p,
		Label:       label,
		Image:       img,
		Tabular:     tab,
	}
}

// Confidence is the probability of the fused label, in [0,1].
func (r Result) Confidence() float64 {
	if r.Label == model.Positive {
		return r.Probability
	}
	return 1 - r.Probability
}

// Metrics are static, precomputed evaluation figures for a model. They are
// reported alongside predictions and never derived from live traffic.
type Metrics struct {
	Accuracy        float64 `yaml:"accuracy" json:"accuracy"`
	Precision       float64 `yaml:"precision" json:"precision"`
	Recall          float64 `yaml:"recall" json:"recall"`
	F1Score         float64 `yaml:"f1_score" json:"f1Score"`
	Version         string  `yaml:"version" json:"version"`
	Algorithm       string  `yaml:"algorithm" json:"algorithm"`
	MemoryOptimized bool    `yaml:"memory_optimized" json:"memory_optimized"`
}

// MeanMetrics averages two metric sets, rounded to one decimal.
func MeanMetrics(a, b Metrics, version, algorithm string) Metrics {
	return Metrics{
		Accuracy:        round1((a.Accuracy + b.Accuracy) / 2),
		Precision:       round1((a.Precision + b.Precision) / 2),
		Recall:          round1((a.Recall + b.Recall) / 2),
		F1Score:         round1((a.F1Score + b.F1Score) / 2),
		Version:         version,
		Algorithm:       algorithm,
		MemoryOptimized: a.MemoryOptimized && b.MemoryOptimized,
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
