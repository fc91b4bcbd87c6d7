package model

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"github.com/Brownie44l1/breastscan-api/internal/codec"
	"github.com/Brownie44l1/breastscan-api/internal/render"
)

const overlayAlpha = 0.5

// Input is what a single forward pass consumes. Build with ForImage or
// ForFeatures.
type Input struct {
	image    *codec.ImageInput
	features *codec.FeatureVector
}

func ForImage(in *codec.ImageInput) Input { return Input{image: in} }

// ForFeatures takes a vector already ordered like the model's feature_names.
func ForFeatures(v codec.FeatureVector) Input { return Input{features: &v} }

type Label int

const (
	Negative Label = iota
	Positive
)

func (l Label) String() string {
	if l == Positive {
		return "malignant"
	}
	return "benign"
}

// Prediction is the outcome of one forward pass. Probabilities are indexed
// by the model's own class indices.
type Prediction struct {
	Kind          Kind
	ClassIndex    int
	Label         Label
	Classes       [2]string
	Probabilities [2]float64
	PositiveIndex int
}

// Confidence is the probability of the class actually predicted, in [0,1].
func (p Prediction) Confidence() float64 { return p.Probabilities[p.ClassIndex] }

func (p Prediction) ConfidencePercent() float64 { return RoundPercent(p.Confidence()) }

func (p Prediction) PositiveProbability() float64 { return p.Probabilities[p.PositiveIndex] }

// Probability returns the probability of the named class, or 0 if the model
// has no such class.
func (p Prediction) Probability(class string) float64 {
	for i, c := range p.Classes {
		if c == class {
			return p.Probabilities[i]
		}
	}
	return 0
}

// RoundPercent converts a [0,1] probability to a percentage with 2 decimals.
func RoundPercent(p float64) float64 {
	return math.Round(p*100*100) / 100
}

// Explanation is an encoded PNG showing what drove a prediction.
type Explanation struct {
	Kind   Kind
	Target int
	PNG    []byte
	// Values holds per-feature attributions for tabular explanations,
	// named by Names in model feature order.
	Values []float64
	Names  []string
}

func (e *Explanation) Base64() string {
	if e == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(e.PNG)
}

// Predict runs one forward pass and takes the arg-max class.
func Predict(h *Handle, in Input) (Prediction, error) {
	x, err := h.tensor(in)
	if err != nil {
		return Prediction{}, err
	}
	probs, err := h.forward(x)
	if err != nil {
		return Prediction{}, err
	}

	idx := 0
	if probs[1] > probs[0] {
		idx = 1
	}
	label := Negative
	if idx == h.meta.PositiveIndex() {
		label = Positive
	}

	return Prediction{
		Kind:          h.kind,
		ClassIndex:    idx,
		Label:         label,
		Classes:       [2]string{h.meta.Classes[0], h.meta.Classes[1]},
		Probabilities: probs,
		PositiveIndex: h.meta.PositiveIndex(),
	}, nil
}

// Explain runs a separate pass to explain target. The handle must have been
// loaded with StageExplain.
func Explain(h *Handle, in Input, target int) (*Explanation, error) {
	if target < 0 || target > 1 {
		return nil, fmt.Errorf("target class %d out of range", target)
	}
	if h.stage != StageExplain {
		return nil, fmt.Errorf("%s handle was loaded for %s, not explain", h.kind, h.stage)
	}

	switch h.kind {
	case Image:
		return h.explainImage(in, target)
	case Tabular:
		return h.explainTabular(in, target)
	}
	return nil, fmt.Errorf("cannot explain %s models", h.kind)
}

func (h *Handle) tensor(in Input) ([]float32, error) {
	switch h.kind {
	case Image:
		if in.image == nil {
			return nil, errors.New("image model needs an image input")
		}
		if want := volume(h.meta.InputShape); int64(len(in.image.Tensor)) != want {
			return nil, &codec.ShapeError{Want: int(want), Got: len(in.image.Tensor), What: "input values"}
		}
		return in.image.Tensor, nil
	case Tabular:
		if in.features == nil {
			return nil, errors.New("tabular model needs a feature vector")
		}
		return h.meta.Scaler.Transform(*in.features), nil
	}
	return nil, fmt.Errorf("unknown model kind %s", h.kind)
}

func (h *Handle) forward(x []float32) ([2]float64, error) {
	out, err := h.run(x)
	if err != nil {
		return [2]float64{}, err
	}
	probs, err := toProbabilities(out[h.meta.OutputName], h.meta.OutputActivation)
	if err != nil {
		return [2]float64{}, &InferenceError{Kind: h.kind, Stage: h.stage, Err: err}
	}
	return probs, nil
}

func toProbabilities(raw []float32, activation string) ([2]float64, error) {
	var p [2]float64
	if len(raw) != 2 {
		return p, fmt.Errorf("expected 2 output values, got %d", len(raw))
	}
	a, b := float64(raw[0]), float64(raw[1])
	if math.IsNaN(a) || math.IsNaN(b) {
		return p, errors.New("model produced NaN")
	}

	if activation == "softmax" {
		m := math.Max(a, b)
		ea, eb := math.Exp(a-m), math.Exp(b-m)
		sum := ea + eb
		return [2]float64{ea / sum, eb / sum}, nil
	}

	a, b = math.Max(a, 0), math.Max(b, 0)
	sum := a + b
	if sum <= 0 || math.IsInf(sum, 0) {
		return p, fmt.Errorf("output %v is not a probability vector", raw)
	}
	return [2]float64{a / sum, b / sum}, nil
}

func (h *Handle) explainImage(in Input, target int) (*Explanation, error) {
	x, err := h.tensor(in)
	if err != nil {
		return nil, err
	}
	out, err := h.run(x)
	if err != nil {
		return nil, err
	}
	if h.cam == nil {
		return nil, ErrReleased
	}

	cam, w, ht, err := GradCAM(out[h.meta.FeatureOutput], h.meta.FeatureShape, h.cam.Weights[target])
	if err != nil {
		return nil, &InferenceError{Kind: h.kind, Stage: h.stage, Err: err}
	}
	png, err := render.HeatmapOverlay(in.image.Preview, cam, w, ht, overlayAlpha)
	if err != nil {
		return nil, fmt.Errorf("render grad-cam: %w", err)
	}
	return &Explanation{Kind: Image, Target: target, PNG: png}, nil
}

// explainTabular measures, per feature, how much the target probability
// drops when that feature is set to its training mean (0 after scaling).
func (h *Handle) explainTabular(in Input, target int) (*Explanation, error) {
	x, err := h.tensor(in)
	if err != nil {
		return nil, err
	}
	base, err := h.forward(x)
	if err != nil {
		return nil, err
	}

	attr := make([]float64, len(x))
	probe := make([]float32, len(x))
	for i := range x {
		copy(probe, x)
		probe[i] = 0
		p, err := h.forward(probe)
		if err != nil {
			return nil, err
		}
		attr[i] = base[target] - p[target]
	}

	names := make([]string, len(h.meta.FeatureNames))
	for i, n := range h.meta.FeatureNames {
		names[i] = codec.CanonicalFeatureName(n)
	}
	title := fmt.Sprintf("%s p=%.2f", h.meta.Classes[target], base[target])
	png, err := render.AttributionChart(names, attr, title)
	if err != nil {
		return nil, fmt.Errorf("render attribution: %w", err)
	}
	return &Explanation{Kind: Tabular, Target: target, PNG: png, Values: attr, Names: names}, nil
}
