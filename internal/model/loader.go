package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Loader reads model artifacts from a fixed directory. It keeps no cache:
// every Load deserializes the weights again.
type Loader struct {
	dir      string
	opener   SessionOpener
	resident atomic.Int64
}

func NewLoader(dir string, opener SessionOpener) *Loader {
	return &Loader{dir: dir, opener: opener}
}

func (l *Loader) Dir() string { return l.dir }

// Paths returns the ONNX model and metadata sidecar locations for kind.
func (l *Loader) Paths(kind Kind) (modelPath, metaPath string) {
	base := filepath.Join(l.dir, kind.String()+"_model")
	return base + ".onnx", base + ".json"
}

func (l *Loader) camPath() string {
	return filepath.Join(l.dir, "image_cam.json")
}

// Describe reads only the metadata sidecar. It lets callers shape their
// input before any weights are loaded.
func (l *Loader) Describe(kind Kind) (*Metadata, error) {
	_, metaPath := l.Paths(kind)
	if err := requireFile(kind, metaPath); err != nil {
		return nil, err
	}
	return ReadMetadata(metaPath, kind)
}

// Load opens a fresh handle for kind. A missing artifact yields a
// *ModelNotFoundError.
func (l *Loader) Load(ctx context.Context, kind Kind, stage Stage) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	modelPath, metaPath := l.Paths(kind)
	for _, p := range []string{modelPath, metaPath} {
		if err := requireFile(kind, p); err != nil {
			return nil, err
		}
	}

	meta, err := ReadMetadata(metaPath, kind)
	if err != nil {
		return nil, err
	}

	spec := SessionSpec{
		ModelPath:  modelPath,
		InputName:  meta.InputName,
		InputShape: meta.InputShape,
		Outputs:    []OutputSpec{{Name: meta.OutputName, Shape: meta.OutputShape}},
	}

	var cam *CAMWeights
	if kind == Image && stage == StageExplain {
		if meta.FeatureOutput == "" {
			return nil, fmt.Errorf("image metadata has no feature_output; Grad-CAM is unavailable")
		}
		if err := requireFile(kind, l.camPath()); err != nil {
			return nil, err
		}
		cam, err = ReadCAMWeights(l.camPath(), meta)
		if err != nil {
			return nil, err
		}
		spec.Outputs = append(spec.Outputs, OutputSpec{Name: meta.FeatureOutput, Shape: meta.FeatureShape})
	}

	session, err := l.opener.Open(spec)
	if err != nil {
		return nil, fmt.Errorf("open %s model: %w", kind, err)
	}

	l.resident.Add(1)
	return &Handle{
		kind:      kind,
		stage:     stage,
		meta:      meta,
		cam:       cam,
		session:   session,
		onRelease: func() { l.resident.Add(-1) },
	}, nil
}

// Resident is the number of handles loaded and not yet released.
func (l *Loader) Resident() int64 { return l.resident.Load() }

func requireFile(kind Kind, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ModelNotFoundError{Kind: kind, Path: path}
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return &ModelNotFoundError{Kind: kind, Path: path}
	}
	return nil
}
