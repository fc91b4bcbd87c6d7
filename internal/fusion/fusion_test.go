package fusion

import (
	"math"
	"testing"

	"github.com/Brownie44l1/breastscan-api/internal/model"
)

// prediction builds a prediction with the given positive-class probability.
// positive is the model's class index for malignant.
func prediction(kind model.Kind, positive int, p float64) model.Prediction {
	var probs [2]float64
	probs[positive] = p
	probs[1-positive] = 1 - p
	idx := 1 - positive
	if p > 0.5 {
		idx = positive
	}
	label := model.Negative
	if idx == positive {
		label = model.Positive
	}
	return model.Prediction{Kind: kind, ClassIndex: idx, Label: label, Probabilities: probs, PositiveIndex: positive}
}

func TestCombineIsMeanOfPositiveProbabilities(t *testing.T) {
	img := prediction(model.Image, 1, 0.8)
	tab := prediction(model.Tabular, 0, 0.6)

	r := Combine(img, tab)
	if math.Abs(r.Probability-0.7) > 1e-12 {
		t.Fatalf("combined = %f, want 0.7", r.Probability)
	}
	if r.Label != model.Positive || r.Label.String() != "malignant" {
		t.Fatalf("label = %v", r.Label)
	}
	if model.RoundPercent(r.Confidence()) != 70 {
		t.Fatalf("confidence = %f", r.Confidence())
	}
	if img.ConfidencePercent() != 80 || tab.ConfidencePercent() != 60 {
		t.Fatalf("per-modality confidences changed")
	}
}

func TestCombineTieIsBenign(t *testing.T) {
	r := Combine(prediction(model.Image, 1, 0.75), prediction(model.Tabular, 0, 0.25))
	if r.Probability != 0.5 {
		t.Fatalf("combined = %v", r.Probability)
	}
	if r.Label != model.Negative {
		t.Fatalf("tie must resolve to benign, got %v", r.Label)
	}
}

func TestCombineUsesPositiveClassNotPredictedClass(t *testing.T) {
	// both models are confident the lesion is benign
	img := prediction(model.Image, 1, 0.1)
	tab := prediction(model.Tabular, 0, 0.2)

	r := Combine(img, tab)
	if math.Abs(r.Probability-0.15) > 1e-12 {
		t.Fatalf("combined = %f, want 0.15", r.Probability)
	}
	if r.Label != model.Negative {
		t.Fatalf("expected benign")
	}
	if math.Abs(r.Confidence()-0.85) > 1e-12 {
		t.Fatalf("confidence = %f", r.Confidence())
	}
}

func TestMeanMetrics(t *testing.T) {
	a := Metrics{Accuracy: 94.2, Precision: 93.1, Recall: 95.3, F1Score: 94.2, MemoryOptimized: true}
	b := Metrics{Accuracy: 97.8, Precision: 96.4, Recall: 98.1, F1Score: 97.2, MemoryOptimized: true}

	m := MeanMetrics(a, b, "3.0.0", "sequential")
	if m.Accuracy != 96 || m.Precision != 94.8 || m.Recall != 96.7 || m.F1Score != 95.7 {
		t.Fatalf("unexpected means %+v", m)
	}
	if m.Version != "3.0.0" || m.Algorithm != "sequential" || !m.MemoryOptimized {
		t.Fatalf("unexpected labels %+v", m)
	}
}
