package codec

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func grayscaleSpec() ImageSpec {
	return ImageSpec{Size: 8, Channels: 1, Mean: []float32{0.5}, Std: []float32{0.5}}
}

func TestDecodeImageGrayscaleShapeAndRange(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 32, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 32; x++ {
			src.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}

	in, err := DecodeImage(encodePNG(t, src), grayscaleSpec())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(in.Tensor) != 8*8 {
		t.Fatalf("expected 64 values, got %d", len(in.Tensor))
	}
	want := []int64{1, 1, 8, 8}
	for i := range want {
		if in.Shape[i] != want[i] {
			t.Fatalf("shape = %v, want %v", in.Shape, want)
		}
	}
	// white normalised with mean/std 0.5 lands on 1.0
	for i, v := range in.Tensor {
		if math.Abs(float64(v)-1.0) > 0.02 {
			t.Fatalf("tensor[%d] = %f, want 1.0", i, v)
		}
	}
	if in.Format != "png" {
		t.Fatalf("format = %q", in.Format)
	}
	if in.Preview.Bounds().Dx() != 8 {
		t.Fatalf("preview not resized: %v", in.Preview.Bounds())
	}
}

func TestDecodeImageRGBLayoutIsChannelMajor(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			src.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	spec := ImageSpec{Size: 4, Channels: 3, Mean: []float32{0, 0, 0}, Std: []float32{1, 1, 1}}

	in, err := DecodeImage(encodePNG(t, src), spec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(in.Tensor) != 3*16 {
		t.Fatalf("expected 48 values, got %d", len(in.Tensor))
	}
	for i := 0; i < 16; i++ {
		if in.Tensor[i] < 0.99 {
			t.Fatalf("red plane[%d] = %f", i, in.Tensor[i])
		}
		if in.Tensor[16+i] > 0.01 || in.Tensor[32+i] > 0.01 {
			t.Fatalf("green/blue planes should be empty at %d", i)
		}
	}
}

func TestDecodeImageRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"empty":   nil,
		"garbage": []byte("definitely not an image"),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeImage(raw, grayscaleSpec())
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestEncodeTabularPositional(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	vec, rep, err := EncodeTabular(Positional(vals), nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if rep.Lenient() {
		t.Fatalf("positional input should not report: %+v", rep)
	}
	for i, v := range vals {
		if vec[i] != v {
			t.Fatalf("vec[%d] = %f, want %f", i, vec[i], v)
		}
	}
}

func TestEncodeTabularPositionalWrongLength(t *testing.T) {
	for _, n := range []int{0, 9, 11} {
		_, _, err := EncodeTabular(Positional(make([]float64, n)), nil)
		if !errors.Is(err, ErrShape) {
			t.Fatalf("len %d: expected ErrShape, got %v", n, err)
		}
	}
}

func TestEncodeTabularScrambledNamesMatchCanonical(t *testing.T) {
	canonical := map[string]float64{}
	positional := make([]float64, NumFeatures)
	for i, name := range FeatureNames {
		canonical[name] = float64(i) + 0.5
		positional[i] = float64(i) + 0.5
	}

	// map iteration order is already random; add sklearn style keys too
	scrambled := map[string]float64{
		"fractal_dimension_mean": 9.5,
		"mean concave points":    7.5,
		"symmetry_mean":          8.5,
		"Mean Radius":            0.5,
		"area_mean":              3.5,
		"texture_mean":           1.5,
		"smoothness_mean":        4.5,
		"perimeter_mean":         2.5,
		"concavity_mean":         6.5,
		"compactness_mean":       5.5,
	}

	a, _, err := EncodeTabular(Named(canonical), nil)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	b, rep, err := EncodeTabular(Named(scrambled), nil)
	if err != nil {
		t.Fatalf("scrambled: %v", err)
	}
	c, _, _ := EncodeTabular(Positional(positional), nil)
	if a != b || a != c {
		t.Fatalf("orderings disagree:\n%v\n%v\n%v", a, b, c)
	}
	if rep.Lenient() {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestEncodeTabularCustomOrder(t *testing.T) {
	order := make([]string, NumFeatures)
	for i := range order {
		order[i] = FeatureNames[NumFeatures-1-i]
	}
	fields := map[string]float64{"radius_mean": 42}
	vec, rep, err := EncodeTabular(Named(fields), order)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if vec[NumFeatures-1] != 42 {
		t.Fatalf("radius_mean should land last, got %v", vec)
	}
	if len(rep.Missing) != NumFeatures-1 {
		t.Fatalf("expected 9 missing, got %v", rep.Missing)
	}
}

func TestEncodeTabularPositionalFollowsModelOrder(t *testing.T) {
	order := make([]string, NumFeatures)
	for i := range order {
		order[i] = FeatureNames[NumFeatures-1-i]
	}
	// sklearn style names in the sidecar must not change the mapping
	order[0] = "mean fractal dimension"

	vals := make([]float64, NumFeatures)
	fields := map[string]float64{}
	for i, name := range FeatureNames {
		vals[i] = float64(i + 1)
		fields[name] = float64(i + 1)
	}

	pos, rep, err := EncodeTabular(Positional(vals), order)
	if err != nil {
		t.Fatalf("positional: %v", err)
	}
	if rep.Lenient() {
		t.Fatalf("unexpected report %+v", rep)
	}
	named, _, err := EncodeTabular(Named(fields), order)
	if err != nil {
		t.Fatalf("named: %v", err)
	}
	if pos != named {
		t.Fatalf("positional and named disagree:\n%v\n%v", pos, named)
	}
	for i := range pos {
		if want := float64(NumFeatures - i); pos[i] != want {
			t.Fatalf("vec[%d] = %f, want %f", i, pos[i], want)
		}
	}
}

func TestEncodeTabularMissingDefaultsToZero(t *testing.T) {
	vec, rep, err := EncodeTabular(Named(map[string]float64{"radius_mean": 14.1, "bogus": 3}), nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if vec[0] != 14.1 {
		t.Fatalf("radius_mean = %f", vec[0])
	}
	for i := 1; i < NumFeatures; i++ {
		if vec[i] != 0 {
			t.Fatalf("vec[%d] = %f, want 0", i, vec[i])
		}
	}
	if len(rep.Missing) != NumFeatures-1 {
		t.Fatalf("missing = %v", rep.Missing)
	}
	if len(rep.Unknown) != 1 || rep.Unknown[0] != "bogus" {
		t.Fatalf("unknown = %v", rep.Unknown)
	}
}

func TestEncodeTabularRejectsNaN(t *testing.T) {
	vals := make([]float64, NumFeatures)
	vals[3] = math.NaN()
	if _, _, err := EncodeTabular(Positional(vals), nil); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestCanonicalFeatureName(t *testing.T) {
	cases := map[string]string{
		"radius_mean":             "radius_mean",
		"mean radius":             "radius_mean",
		"mean concave points":     "concave_points_mean",
		" Mean Fractal Dimension": "fractal_dimension_mean",
		"concave-points_mean":     "concave_points_mean",
	}
	for in, want := range cases {
		if got := CanonicalFeatureName(in); got != want {
			t.Fatalf("CanonicalFeatureName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseFeatures(t *testing.T) {
	in, err := ParseFeatures(`{"radius_mean": 12.5}`)
	if err != nil || !in.IsNamed() {
		t.Fatalf("json object: %v named=%v", err, in.IsNamed())
	}

	in, err = ParseFeatures("[1,2,3,4,5,6,7,8,9,10]")
	if err != nil || in.IsNamed() {
		t.Fatalf("json array: %v", err)
	}

	in, err = ParseFeatures("1, 2,3,4,5,6,7,8,9, 10")
	if err != nil || in.IsNamed() {
		t.Fatalf("csv: %v", err)
	}
	vec, _, err := EncodeTabular(in, nil)
	if err != nil || vec[9] != 10 {
		t.Fatalf("csv encode: %v %v", err, vec)
	}

	for _, bad := range []string{"", "a,b", `{"radius_mean": "x"}`} {
		if _, err := ParseFeatures(bad); !errors.Is(err, ErrShape) {
			t.Fatalf("ParseFeatures(%q): expected ErrShape, got %v", bad, err)
		}
	}
}
