package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// CAMWeights are the classifier weights of the image head, one row per class
// index, one column per feature-map channel.
type CAMWeights struct {
	Weights [][]float32 `json:"weights"`
}

func ReadCAMWeights(path string, meta *Metadata) (*CAMWeights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read grad-cam weights: %w", err)
	}
	var cw CAMWeights
	if err := json.Unmarshal(data, &cw); err != nil {
		return nil, fmt.Errorf("failed to parse grad-cam weights: %w", err)
	}
	if len(cw.Weights) != len(meta.Classes) {
		return nil, fmt.Errorf("grad-cam weights have %d rows, want %d", len(cw.Weights), len(meta.Classes))
	}
	channels := int(meta.FeatureShape[1])
	for i, row := range cw.Weights {
		if len(row) != channels {
			return nil, fmt.Errorf("grad-cam weights row %d has %d entries, want %d", i, len(row), channels)
		}
	}
	return &cw, nil
}

// GradCAM builds a [0,1] saliency map from the final feature map and the
// head weights of the target class. The exported head is global average
// pooling followed by a linear layer, so the gradient of the target logit
// with respect to channel k is weights[k]/(h*w) at every position.
func GradCAM(features []float32, shape []int64, weights []float32) ([]float64, int, int, error) {
	if len(shape) != 4 {
		return nil, 0, 0, fmt.Errorf("feature shape must be [1,K,H,W], got %v", shape)
	}
	k, h, w := int(shape[1]), int(shape[2]), int(shape[3])
	plane := h * w
	if len(features) != k*plane {
		return nil, 0, 0, fmt.Errorf("expected %d feature values, got %d", k*plane, len(features))
	}
	if len(weights) != k {
		return nil, 0, 0, fmt.Errorf("expected %d weights, got %d", k, len(weights))
	}

	cam := make([]float64, plane)
	for c := 0; c < k; c++ {
		alpha := float64(weights[c]) / float64(plane)
		fm := features[c*plane : (c+1)*plane]
		for i, v := range fm {
			cam[i] += alpha * float64(v)
		}
	}

	peak := 0.0
	for i, v := range cam {
		if v < 0 {
			cam[i] = 0
			continue
		}
		if v > peak {
			peak = v
		}
	}
	if peak > 0 {
		for i := range cam {
			cam[i] /= peak + 1e-8
		}
	}
	return cam, w, h, nil
}
