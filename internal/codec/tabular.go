package codec

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// NumFeatures is the width of the tabular model input.
const NumFeatures = 10

// FeatureNames is the canonical field order the tabular model was fit on.
var FeatureNames = [NumFeatures]string{
	"radius_mean",
	"texture_mean",
	"perimeter_mean",
	"area_mean",
	"smoothness_mean",
	"compactness_mean",
	"concavity_mean",
	"concave_points_mean",
	"symmetry_mean",
	"fractal_dimension_mean",
}

// FeatureVector holds the tabular fields in model order.
type FeatureVector [NumFeatures]float64

// TabularInput is either a positional sequence or a named mapping of fields.
// Build one with Positional or Named.
type TabularInput struct {
	values []float64
	fields map[string]float64
	named  bool
}

func Positional(values []float64) TabularInput {
	return TabularInput{values: values}
}

func Named(fields map[string]float64) TabularInput {
	return TabularInput{fields: fields, named: true}
}

func (in TabularInput) IsNamed() bool { return in.named }

// Report lists what EncodeTabular had to paper over for a named input.
type Report struct {
	// Missing fields were defaulted to 0.0. This masks absent data, so
	// callers should surface it.
	Missing []string
	// Unknown fields were ignored.
	Unknown []string
}

func (r Report) Lenient() bool { return len(r.Missing) > 0 || len(r.Unknown) > 0 }

// CanonicalFeatureName maps API style ("concave_points_mean") and sklearn
// style ("mean concave points") names onto the API style.
func CanonicalFeatureName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	if strings.HasPrefix(s, "mean_") {
		s = strings.TrimPrefix(s, "mean_") + "_mean"
	}
	return s
}

// EncodeTabular projects in onto order. A nil order means FeatureNames.
// Named fields are matched by name, never by position. Positional values
// are read as FeatureNames order and re-projected the same way.
func EncodeTabular(in TabularInput, order []string) (FeatureVector, Report, error) {
	var vec FeatureVector
	var rep Report

	if order == nil {
		order = FeatureNames[:]
	}
	if len(order) != NumFeatures {
		return vec, rep, &ShapeError{Want: NumFeatures, Got: len(order), What: "feature names"}
	}

	byName := make(map[string]float64, NumFeatures)
	if in.named {
		for k, v := range in.fields {
			byName[CanonicalFeatureName(k)] = v
		}
	} else {
		// positional values are always in FeatureNames order, whatever
		// order the model was fit on
		if len(in.values) != NumFeatures {
			return vec, rep, &ShapeError{Want: NumFeatures, Got: len(in.values), What: "features"}
		}
		for i, name := range FeatureNames {
			byName[name] = in.values[i]
		}
	}

	wanted := make(map[string]bool, NumFeatures)
	for i, name := range order {
		c := CanonicalFeatureName(name)
		wanted[c] = true
		v, ok := byName[c]
		if !ok {
			rep.Missing = append(rep.Missing, c)
			continue
		}
		vec[i] = v
	}
	for k := range byName {
		if !wanted[k] {
			rep.Unknown = append(rep.Unknown, k)
		}
	}
	sort.Strings(rep.Unknown)

	return vec, rep, checkFinite(vec, order)
}

func checkFinite(vec FeatureVector, order []string) error {
	for i, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ShapeError{What: "feature " + CanonicalFeatureName(order[i]) + " is not a finite number"}
		}
	}
	return nil
}

// ParseFeatures reads the multimodal "features" form field: a JSON object of
// named fields, a JSON array, or a comma-separated list of numbers.
func ParseFeatures(s string) (TabularInput, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TabularInput{}, &ShapeError{What: "features field is empty"}
	}

	switch s[0] {
	case '{':
		var fields map[string]float64
		if err := json.Unmarshal([]byte(s), &fields); err != nil {
			return TabularInput{}, &ShapeError{What: "features object must map names to numbers"}
		}
		return Named(fields), nil
	case '[':
		var values []float64
		if err := json.Unmarshal([]byte(s), &values); err != nil {
			return TabularInput{}, &ShapeError{What: "features array must hold numbers"}
		}
		return Positional(values), nil
	}

	parts := strings.Split(s, ",")
	values := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return TabularInput{}, &ShapeError{What: "features must be comma-separated numbers"}
		}
		values = append(values, v)
	}
	return Positional(values), nil
}
