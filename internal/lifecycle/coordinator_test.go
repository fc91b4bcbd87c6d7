package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Brownie44l1/breastscan-api/internal/activity"
	"github.com/Brownie44l1/breastscan-api/internal/codec"
	"github.com/Brownie44l1/breastscan-api/internal/model"
	"github.com/Brownie44l1/breastscan-api/internal/model/modeltest"
)

type fixture struct {
	opener   *modeltest.Opener
	loader   *model.Loader
	events   *activity.Log
	reclaims atomic.Int32
	coord    *Coordinator
}

func newFixture(t *testing.T, opts Options, kinds ...model.Kind) *fixture {
	t.Helper()
	dir := t.TempDir()
	modeltest.WriteArtifacts(t, dir, kinds...)

	f := &fixture{
		opener: modeltest.NewOpener(),
		events: activity.New(100),
	}
	f.loader = model.NewLoader(dir, f.opener)
	opts.Events = f.events
	opts.Reclaim = func() { f.reclaims.Add(1) }
	f.coord = New(f.loader, opts)
	return f
}

func (f *fixture) assertAllReleased(t *testing.T) {
	t.Helper()
	if f.opener.Opened() != f.opener.Destroyed() {
		t.Fatalf("opened %d sessions but destroyed %d", f.opener.Opened(), f.opener.Destroyed())
	}
	if f.loader.Resident() != 0 {
		t.Fatalf("resident handles = %d", f.loader.Resident())
	}
	if got := int(f.reclaims.Load()); got != f.opener.Opened() {
		t.Fatalf("reclaims = %d, want one per load (%d)", got, f.opener.Opened())
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 16)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func ones() codec.TabularInput {
	v := make([]float64, codec.NumFeatures)
	for i := range v {
		v[i] = 1
	}
	return codec.Positional(v)
}

func TestRunImageLoadsOnceAndReleases(t *testing.T) {
	f := newFixture(t, Options{})

	out, err := f.coord.RunImage(context.Background(), testPNG(t), false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Prediction.Label != model.Positive || out.Explanation != nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if f.opener.Opened() != 1 {
		t.Fatalf("opened = %d, want 1", f.opener.Opened())
	}
	f.assertAllReleased(t)
}

func TestRunImageExplainUsesFreshHandle(t *testing.T) {
	f := newFixture(t, Options{})

	out, err := f.coord.RunImage(context.Background(), testPNG(t), true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Explanation == nil || len(out.Explanation.PNG) == 0 {
		t.Fatalf("missing explanation")
	}
	if out.Explanation.Target != out.Prediction.ClassIndex {
		t.Fatalf("explained class %d, predicted %d", out.Explanation.Target, out.Prediction.ClassIndex)
	}

	specs := f.opener.Specs()
	if len(specs) != 2 {
		t.Fatalf("expected 2 loads, got %d", len(specs))
	}
	if len(specs[0].Outputs) != 1 || len(specs[1].Outputs) != 2 {
		t.Fatalf("predict should bind 1 output and explain 2: %+v", specs)
	}
	if f.opener.Peak() != 1 {
		t.Fatalf("peak resident sessions = %d", f.opener.Peak())
	}
	f.assertAllReleased(t)
}

func TestRunTabularExplain(t *testing.T) {
	f := newFixture(t, Options{})

	fields := map[string]float64{}
	for _, name := range codec.FeatureNames {
		fields[name] = 1
	}
	fields["radius_mean"] = 3
	delete(fields, "fractal_dimension_mean")

	out, err := f.coord.RunTabular(context.Background(), codec.Named(fields), true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.Report.Missing) != 1 || out.Report.Missing[0] != "fractal_dimension_mean" {
		t.Fatalf("report = %+v", out.Report)
	}
	if out.Explanation == nil || len(out.Explanation.Values) != codec.NumFeatures {
		t.Fatalf("explanation = %+v", out.Explanation)
	}
	// scaled radius 1, missing fractal dimension -0.5: p(malignant) = sigmoid(0.5)
	if out.Prediction.Label != model.Positive {
		t.Fatalf("label = %s", out.Prediction.Label)
	}
	if out.Explanation.Values[0] <= 0 {
		t.Fatalf("radius attribution = %f", out.Explanation.Values[0])
	}
	f.assertAllReleased(t)
}

func TestRunFusedIsSequential(t *testing.T) {
	f := newFixture(t, Options{})

	out, err := f.coord.RunFused(context.Background(), testPNG(t), ones(), FusedOptions{ExplainImage: true, ExplainTabular: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.opener.Peak() != 1 {
		t.Fatalf("image and tabular models were resident together (peak %d)", f.opener.Peak())
	}

	specs := f.opener.Specs()
	if len(specs) != 4 {
		t.Fatalf("expected 4 loads, got %d", len(specs))
	}
	for i, wantImage := range []bool{true, true, false, false} {
		isImage := bytes.Contains([]byte(specs[i].ModelPath), []byte("image_model"))
		if isImage != wantImage {
			t.Fatalf("load %d was %s", i, specs[i].ModelPath)
		}
	}

	// image p(malignant) = sigmoid(1.4); tabular inputs scale to zero -> 0.5
	want := (1/(1+math.Exp(-1.4)) + 0.5) / 2
	if math.Abs(out.Probability-want) > 1e-4 {
		t.Fatalf("fused probability = %f, want %f", out.Probability, want)
	}
	if out.Label != model.Positive {
		t.Fatalf("label = %s", out.Label)
	}
	if out.ImageExplanation == nil || out.TabularExplanation == nil {
		t.Fatalf("explanations missing")
	}
	events := f.events.List()
	last := events[len(events)-1]
	if last.Kind != "multimodal" || last.State != Done.String() {
		t.Fatalf("last event = %+v", last)
	}
	if want := fmt.Sprintf("malignant p=%.4f", out.Confidence()); last.Note != want {
		t.Fatalf("done note = %q, want %q", last.Note, want)
	}
	f.assertAllReleased(t)
}

func TestInferenceFailureStillReleases(t *testing.T) {
	f := newFixture(t, Options{})
	f.opener.Image = modeltest.Fail(errors.New("boom"))

	ctx := WithRequestID(context.Background(), "req-fail")
	_, err := f.coord.RunImage(ctx, testPNG(t), true)
	if !errors.Is(err, model.ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
	if f.opener.Opened() != 1 {
		t.Fatalf("explain should not run after a failed predict, opened %d", f.opener.Opened())
	}
	f.assertAllReleased(t)

	events := f.events.ForRequest("req-fail")
	if last := events[len(events)-1]; last.State != Failed.String() {
		t.Fatalf("last event = %+v", last)
	}
}

func TestPanicIsReportedAfterRelease(t *testing.T) {
	f := newFixture(t, Options{})
	f.opener.Tabular = func(model.SessionSpec, []float32) (map[string][]float32, error) {
		panic("native crash")
	}

	_, err := f.coord.RunTabular(context.Background(), ones(), false)
	var ierr *model.InferenceError
	if !errors.As(err, &ierr) || ierr.Kind != model.Tabular {
		t.Fatalf("expected tabular InferenceError, got %v", err)
	}
	f.assertAllReleased(t)
}

func TestFusedAbortsWhenTabularFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.opener.Tabular = modeltest.Fail(errors.New("bad weights"))

	if _, err := f.coord.RunFused(context.Background(), testPNG(t), ones(), FusedOptions{}); !errors.Is(err, model.ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
	if f.opener.Opened() != 2 {
		t.Fatalf("opened = %d", f.opener.Opened())
	}
	f.assertAllReleased(t)
}

func TestBadInputNeverLoads(t *testing.T) {
	cases := []struct {
		name string
		run  func(*Coordinator) error
		want error
	}{
		{"image garbage", func(c *Coordinator) error {
			_, err := c.RunImage(context.Background(), []byte("nope"), true)
			return err
		}, codec.ErrDecode},
		{"tabular short", func(c *Coordinator) error {
			_, err := c.RunTabular(context.Background(), codec.Positional([]float64{1, 2}), false)
			return err
		}, codec.ErrShape},
		{"fused bad features", func(c *Coordinator) error {
			_, err := c.RunFused(context.Background(), []byte{0x89, 'P', 'N', 'G'}, codec.Positional(nil), FusedOptions{})
			return err
		}, codec.ErrDecode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			if err := tc.run(f.coord); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if f.opener.Opened() != 0 {
				t.Fatalf("model loaded for bad input")
			}
		})
	}
}

func TestFusedChecksFeaturesBeforeLoading(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.coord.RunFused(context.Background(), testPNG(t), codec.Positional([]float64{1}), FusedOptions{})
	if !errors.Is(err, codec.ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	if f.opener.Opened() != 0 {
		t.Fatalf("image model loaded before features were validated")
	}
}

func TestMissingArtifact(t *testing.T) {
	f := newFixture(t, Options{}, model.Image)

	_, err := f.coord.RunTabular(context.Background(), ones(), false)
	if !errors.Is(err, model.ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	_, err = f.coord.RunFused(context.Background(), testPNG(t), ones(), FusedOptions{})
	if !errors.Is(err, model.ErrModelNotFound) {
		t.Fatalf("fused: expected ErrModelNotFound, got %v", err)
	}
	if f.opener.Opened() != 0 {
		t.Fatalf("opened = %d", f.opener.Opened())
	}
}

func TestPositionalAndNamedAgreeOnPermutedSidecar(t *testing.T) {
	f := newFixture(t, Options{})

	_, metaPath := f.loader.Paths(model.Tabular)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("parse sidecar: %v", err)
	}
	reversed := make([]string, codec.NumFeatures)
	for i := range reversed {
		reversed[i] = codec.FeatureNames[codec.NumFeatures-1-i]
	}
	meta["feature_names"] = reversed
	if data, err = json.Marshal(meta); err != nil {
		t.Fatalf("marshal sidecar: %v", err)
	}
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	var inputs [][]float32
	f.opener.Tabular = func(spec model.SessionSpec, input []float32) (map[string][]float32, error) {
		inputs = append(inputs, append([]float32(nil), input...))
		return modeltest.TabularLogistic(1)(spec, input)
	}

	vals := make([]float64, codec.NumFeatures)
	fields := map[string]float64{}
	for i, name := range codec.FeatureNames {
		vals[i] = float64(i + 1)
		fields[name] = float64(i + 1)
	}
	if _, err := f.coord.RunTabular(context.Background(), codec.Positional(vals), false); err != nil {
		t.Fatalf("positional: %v", err)
	}
	if _, err := f.coord.RunTabular(context.Background(), codec.Named(fields), false); err != nil {
		t.Fatalf("named: %v", err)
	}
	if _, err := f.coord.RunFused(context.Background(), testPNG(t), codec.Positional(vals), FusedOptions{}); err != nil {
		t.Fatalf("fused: %v", err)
	}

	if len(inputs) != 3 {
		t.Fatalf("expected 3 tabular passes, got %d", len(inputs))
	}
	// model order is reversed: the first slot holds fractal_dimension_mean = 10,
	// scaled with mean 1 and scale 2
	for i, in := range inputs {
		if in[0] != 4.5 || in[codec.NumFeatures-1] != 0 {
			t.Fatalf("pass %d fed %v", i, in)
		}
		for j := range in {
			if in[j] != inputs[0][j] {
				t.Fatalf("pass %d differs from the first: %v vs %v", i, in, inputs[0])
			}
		}
	}
}

func TestEventsFollowLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := WithRequestID(context.Background(), "req-1")

	if _, err := f.coord.RunImage(ctx, testPNG(t), true); err != nil {
		t.Fatalf("run: %v", err)
	}

	var got []string
	for _, e := range f.events.ForRequest("req-1") {
		got = append(got, e.State)
	}
	want := []string{
		"loading", "loaded", "predicting", "released",
		"loading", "loaded", "explaining", "released",
		"done",
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestMaxInFlightSerialisesRequests(t *testing.T) {
	f := newFixture(t, Options{MaxInFlight: 1})

	raw := testPNG(t)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.RunFused(context.Background(), raw, ones(), FusedOptions{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	if f.opener.Peak() != 1 {
		t.Fatalf("peak = %d with max_in_flight 1", f.opener.Peak())
	}
	f.assertAllReleased(t)
}

func TestCancelledContextNeverLoads(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.coord.RunTabular(ctx, ones(), false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.opener.Opened() != 0 {
		t.Fatalf("opened = %d", f.opener.Opened())
	}
}

func TestStateString(t *testing.T) {
	if Explaining.String() != "explaining" || State(42).String() != "state(42)" {
		t.Fatalf("unexpected state names")
	}
}
