package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/breastscan-api/internal/codec"
)

const PositiveClassDefault = "malignant"

// Metadata is the JSON sidecar exported next to each ONNX model.
type Metadata struct {
	InputName        string   `json:"input_name"`
	InputShape       []int64  `json:"input_shape"`
	OutputName       string   `json:"output_name"`
	OutputShape      []int64  `json:"output_shape"`
	OutputActivation string   `json:"output_activation"` // softmax | none
	Classes          []string `json:"classes"`
	PositiveClass    string   `json:"positive_class"`

	// image models
	ImageSize     int       `json:"image_size"`
	Channels      int       `json:"channels"`
	Mean          []float32 `json:"mean"`
	Std           []float32 `json:"std"`
	FeatureOutput string    `json:"feature_output"`
	FeatureShape  []int64   `json:"feature_shape"`

	// tabular models
	FeatureNames []string `json:"feature_names"`
	Scaler       *Scaler  `json:"scaler"`

	positive int
}

// Scaler carries StandardScaler parameters in FeatureNames order.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Transform standardises v. A zero scale is treated as 1, as sklearn does
// for constant features.
func (s *Scaler) Transform(v codec.FeatureVector) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		if s == nil {
			out[i] = float32(x)
			continue
		}
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = float32((x - s.Mean[i]) / scale)
	}
	return out
}

// ReadMetadata parses and validates the sidecar at path for kind.
func ReadMetadata(path string, kind Kind) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	meta.applyDefaults(kind)
	if err := meta.validate(kind); err != nil {
		return nil, fmt.Errorf("invalid %s metadata %s: %w", kind, filepath.Base(path), err)
	}
	return &meta, nil
}

func (m *Metadata) applyDefaults(kind Kind) {
	if m.PositiveClass == "" {
		m.PositiveClass = PositiveClassDefault
	}
	if m.OutputShape == nil && len(m.Classes) > 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}

	switch kind {
	case Image:
		if m.InputName == "" {
			m.InputName = "input"
		}
		if m.OutputName == "" {
			m.OutputName = "output"
		}
		if m.OutputActivation == "" {
			m.OutputActivation = "softmax"
		}
		if m.ImageSize == 0 {
			m.ImageSize = 224
		}
		if m.Channels == 0 {
			m.Channels = 1
		}
		if m.Mean == nil {
			m.Mean = repeat(0.5, m.Channels)
		}
		if m.Std == nil {
			m.Std = repeat(0.5, m.Channels)
		}
		if m.InputShape == nil {
			m.InputShape = m.ImageSpec().Shape()
		}
	case Tabular:
		if m.InputName == "" {
			m.InputName = "float_input"
		}
		if m.OutputName == "" {
			m.OutputName = "probabilities"
		}
		if m.OutputActivation == "" {
			m.OutputActivation = "none"
		}
		if m.FeatureNames == nil {
			m.FeatureNames = codec.FeatureNames[:]
		}
		if m.InputShape == nil {
			m.InputShape = []int64{1, codec.NumFeatures}
		}
	}
}

func (m *Metadata) validate(kind Kind) error {
	if len(m.Classes) != 2 {
		return fmt.Errorf("expected 2 classes, got %d", len(m.Classes))
	}
	m.positive = -1
	for i, c := range m.Classes {
		if c == m.PositiveClass {
			m.positive = i
		}
	}
	if m.positive < 0 {
		return fmt.Errorf("positive class %q not in classes %v", m.PositiveClass, m.Classes)
	}
	if m.OutputActivation != "softmax" && m.OutputActivation != "none" {
		return fmt.Errorf("unknown output_activation %q", m.OutputActivation)
	}
	if volume(m.OutputShape) != 2 {
		return fmt.Errorf("output shape %v does not hold 2 classes", m.OutputShape)
	}

	switch kind {
	case Image:
		if want := volume(m.ImageSpec().Shape()); volume(m.InputShape) != want {
			return fmt.Errorf("input shape %v does not match %d channel %dpx images", m.InputShape, m.Channels, m.ImageSize)
		}
		if m.FeatureOutput != "" && len(m.FeatureShape) != 4 {
			return fmt.Errorf("feature_shape must be [1,K,H,W], got %v", m.FeatureShape)
		}
	case Tabular:
		if len(m.FeatureNames) != codec.NumFeatures {
			return fmt.Errorf("expected %d feature names, got %d", codec.NumFeatures, len(m.FeatureNames))
		}
		known := make(map[string]bool, codec.NumFeatures)
		for _, n := range codec.FeatureNames {
			known[n] = true
		}
		seen := make(map[string]bool, codec.NumFeatures)
		for _, n := range m.FeatureNames {
			c := codec.CanonicalFeatureName(n)
			if !known[c] || seen[c] {
				return fmt.Errorf("feature names must be a permutation of %v, got %v", codec.FeatureNames, m.FeatureNames)
			}
			seen[c] = true
		}
		if volume(m.InputShape) != codec.NumFeatures {
			return fmt.Errorf("input shape %v does not hold %d features", m.InputShape, codec.NumFeatures)
		}
		if m.Scaler != nil && (len(m.Scaler.Mean) != codec.NumFeatures || len(m.Scaler.Scale) != codec.NumFeatures) {
			return fmt.Errorf("scaler needs %d mean and scale entries", codec.NumFeatures)
		}
	}
	return nil
}

// PositiveIndex is the class index of the positive (malignant) class.
func (m *Metadata) PositiveIndex() int { return m.positive }

func (m *Metadata) ImageSpec() codec.ImageSpec {
	return codec.ImageSpec{
		Size:     m.ImageSize,
		Channels: m.Channels,
		Mean:     m.Mean,
		Std:      m.Std,
	}
}

func repeat(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func volume(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
