// Package modeltest provides an in-memory SessionOpener and on-disk
// artifact fixtures so model consumers can be tested without onnxruntime.
package modeltest

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Brownie44l1/breastscan-api/internal/codec"
	"github.com/Brownie44l1/breastscan-api/internal/model"
)

// ImageSize keeps fixture images tiny.
const ImageSize = 8

// FeatureShape is the Grad-CAM feature map written by WriteArtifacts.
var FeatureShape = []int64{1, 2, 2, 2}

type RunFunc func(spec model.SessionSpec, input []float32) (map[string][]float32, error)

// Opener hands out fake sessions and counts their lifetimes.
type Opener struct {
	Image   RunFunc
	Tabular RunFunc
	// OpenErr, when set, fails every Open.
	OpenErr error

	mu        sync.Mutex
	opened    int
	destroyed int
	live      int
	peak      int
	specs     []model.SessionSpec
}

// NewOpener returns an opener whose image model favours malignant and whose
// tabular model is a logistic on the sum of the scaled features.
func NewOpener() *Opener {
	return &Opener{
		Image:   ImageLogits(0.2, 1.6),
		Tabular: TabularLogistic(1),
	}
}

func (o *Opener) Open(spec model.SessionSpec) (model.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	o.opened++
	o.live++
	if o.live > o.peak {
		o.peak = o.live
	}
	o.specs = append(o.specs, spec)
	return &session{o: o, spec: spec}, nil
}

func (o *Opener) Opened() int    { o.mu.Lock(); defer o.mu.Unlock(); return o.opened }
func (o *Opener) Destroyed() int { o.mu.Lock(); defer o.mu.Unlock(); return o.destroyed }
func (o *Opener) Live() int      { o.mu.Lock(); defer o.mu.Unlock(); return o.live }

// Peak is the largest number of sessions alive at the same time.
func (o *Opener) Peak() int { o.mu.Lock(); defer o.mu.Unlock(); return o.peak }

// Specs lists every spec passed to Open, in order.
func (o *Opener) Specs() []model.SessionSpec {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.SessionSpec(nil), o.specs...)
}

type session struct {
	o         *Opener
	spec      model.SessionSpec
	destroyed bool
}

func (s *session) Run(input []float32) (map[string][]float32, error) {
	if s.destroyed {
		return nil, errors.New("session destroyed")
	}
	run := s.o.Tabular
	if strings.HasPrefix(filepath.Base(s.spec.ModelPath), "image") {
		run = s.o.Image
	}
	if run == nil {
		return nil, errors.New("no fake model configured")
	}
	return run(s.spec, input)
}

func (s *session) Destroy() error {
	if s.destroyed {
		return errors.New("session destroyed twice")
	}
	s.destroyed = true

	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	s.o.destroyed++
	s.o.live--
	return nil
}

// ImageLogits answers with fixed logits for [benign, malignant]. Explain
// passes also get a feature map whose first channel peaks top-left and
// second channel peaks bottom-right.
func ImageLogits(benign, malignant float32) RunFunc {
	return func(spec model.SessionSpec, input []float32) (map[string][]float32, error) {
		out := map[string][]float32{}
		for _, o := range spec.Outputs {
			if o.Name == "features" {
				out[o.Name] = []float32{
					1, 0, 0, 0,
					0, 0, 0, 1,
				}
				continue
			}
			out[o.Name] = []float32{benign, malignant}
		}
		return out, nil
	}
}

// TabularLogistic outputs [p(malignant), p(benign)] with
// p(malignant) = sigmoid(weight * sum(input)).
func TabularLogistic(weight float64) RunFunc {
	return func(spec model.SessionSpec, input []float32) (map[string][]float32, error) {
		sum := 0.0
		for _, v := range input {
			sum += float64(v)
		}
		p := 1 / (1 + math.Exp(-weight*sum))
		out := map[string][]float32{}
		for _, o := range spec.Outputs {
			out[o.Name] = []float32{float32(p), float32(1 - p)}
		}
		return out, nil
	}
}

// Fail returns a RunFunc that always errors.
func Fail(err error) RunFunc {
	return func(model.SessionSpec, []float32) (map[string][]float32, error) {
		return nil, err
	}
}

// WriteArtifacts writes placeholder ONNX files plus real metadata sidecars
// for kinds into dir. With no kinds it writes both.
func WriteArtifacts(t testing.TB, dir string, kinds ...model.Kind) {
	t.Helper()
	if len(kinds) == 0 {
		kinds = []model.Kind{model.Image, model.Tabular}
	}
	for _, k := range kinds {
		switch k {
		case model.Image:
			writeFile(t, filepath.Join(dir, "image_model.onnx"), []byte("onnx"))
			writeJSON(t, filepath.Join(dir, "image_model.json"), map[string]any{
				"classes":        []string{"benign", "malignant"},
				"image_size":     ImageSize,
				"channels":       1,
				"mean":           []float32{0.5},
				"std":            []float32{0.5},
				"feature_output": "features",
				"feature_shape":  FeatureShape,
			})
			writeJSON(t, filepath.Join(dir, "image_cam.json"), map[string]any{
				"weights": [][]float32{{1, 0}, {0, 1}},
			})
		case model.Tabular:
			mean := make([]float64, codec.NumFeatures)
			scale := make([]float64, codec.NumFeatures)
			for i := range scale {
				mean[i] = 1
				scale[i] = 2
			}
			writeFile(t, filepath.Join(dir, "tabular_model.onnx"), []byte("onnx"))
			writeJSON(t, filepath.Join(dir, "tabular_model.json"), map[string]any{
				"classes":       []string{"malignant", "benign"},
				"feature_names": codec.FeatureNames,
				"scaler":        map[string]any{"mean": mean, "scale": scale},
			})
		}
	}
}

func writeJSON(t testing.TB, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	writeFile(t, path, data)
}

func writeFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
