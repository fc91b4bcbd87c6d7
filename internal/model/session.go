package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// OutputSpec names one model output to bind.
type OutputSpec struct {
	Name  string
	Shape []int64
}

// SessionSpec is everything needed to open one inference session.
type SessionSpec struct {
	ModelPath  string
	InputName  string
	InputShape []int64
	Outputs    []OutputSpec
}

// Session is a loaded model ready for forward passes. Destroy frees the
// weights; a session must not be used afterwards.
type Session interface {
	Run(input []float32) (map[string][]float32, error)
	Destroy() error
}

type SessionOpener interface {
	Open(spec SessionSpec) (Session, error)
}

// InitRuntime loads the onnxruntime shared library and creates the process
// environment. The environment holds no model weights.
func InitRuntime(libPath string) error {
	if libPath == "" {
		libPath = resolveSharedLibraryPath()
	}
	if libPath == "" {
		return errors.New("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if ort.IsInitialized() {
		return nil
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func ShutdownRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func resolveSharedLibraryPath() string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}
	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		".",
		"lib",
		"/usr/local/lib",
		"/usr/lib",
		"/opt/homebrew/lib",
	}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// ORTOpener opens CPU-only onnxruntime sessions.
type ORTOpener struct {
	IntraOpThreads int
}

type ortSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	names   []string
	outputs []*ort.Tensor[float32]
}

func (o ORTOpener) Open(spec SessionSpec) (Session, error) {
	if !ort.IsInitialized() {
		return nil, errors.New("onnxruntime environment is not initialized")
	}

	s := &ortSession{}
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	s.input = input

	outputs := make([]ort.Value, 0, len(spec.Outputs))
	for _, out := range spec.Outputs {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(out.Shape...))
		if err != nil {
			s.Destroy()
			return nil, fmt.Errorf("failed to create output tensor %q: %w", out.Name, err)
		}
		s.names = append(s.names, out.Name)
		s.outputs = append(s.outputs, t)
		outputs = append(outputs, t)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		s.Destroy()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if o.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(o.IntraOpThreads); err != nil {
			s.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(spec.ModelPath,
		[]string{spec.InputName}, s.names,
		[]ort.Value{input}, outputs,
		opts)
	if err != nil {
		s.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	s.session = session
	return s, nil
}

func (s *ortSession) Run(input []float32) (map[string][]float32, error) {
	dst := s.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("expected %d input values, got %d", len(dst), len(input))
	}
	copy(dst, input)

	if err := s.session.Run(); err != nil {
		return nil, err
	}

	// Copy out: tensor memory goes away with Destroy.
	out := make(map[string][]float32, len(s.outputs))
	for i, t := range s.outputs {
		out[s.names[i]] = append([]float32(nil), t.GetData()...)
	}
	return out, nil
}

func (s *ortSession) Destroy() error {
	var errs []error
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
		s.session = nil
	}
	if s.input != nil {
		errs = append(errs, s.input.Destroy())
		s.input = nil
	}
	for _, t := range s.outputs {
		errs = append(errs, t.Destroy())
	}
	s.outputs = nil
	return errors.Join(errs...)
}
