package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/Brownie44l1/breastscan-api/internal/codec"
	"github.com/Brownie44l1/breastscan-api/internal/fusion"
	"github.com/Brownie44l1/breastscan-api/internal/lifecycle"
	"github.com/Brownie44l1/breastscan-api/internal/model"
)

const combinedAlgorithm = "Sequential Multimodal (Memory-Optimized)"

type imageResponse struct {
	Prediction      string         `json:"prediction"`
	Confidence      float64        `json:"confidence"`
	PredictedClass  int            `json:"predicted_class"`
	Probability     float64        `json:"probability"`
	GradCAM         *string        `json:"gradcam"`
	GradCAMEnabled  bool           `json:"gradcam_enabled"`
	MemoryOptimized bool           `json:"memory_optimized"`
	Metrics         fusion.Metrics `json:"metrics"`
	Timestamp       string         `json:"timestamp"`
	Type            string         `json:"type"`
	RequestID       string         `json:"request_id"`
}

type tabularResponse struct {
	Prediction      string             `json:"prediction"`
	Confidence      float64            `json:"confidence"`
	Probabilities   map[string]float64 `json:"probabilities"`
	PredictedClass  int                `json:"predicted_class"`
	SHAP            *string            `json:"shap"`
	Attributions    map[string]float64 `json:"attributions,omitempty"`
	MissingFields   []string           `json:"missing_fields,omitempty"`
	UnknownFields   []string           `json:"unknown_fields,omitempty"`
	MemoryOptimized bool               `json:"memory_optimized"`
	Metrics         fusion.Metrics     `json:"metrics"`
	Timestamp       string             `json:"timestamp"`
	Type            string             `json:"type"`
	RequestID       string             `json:"request_id"`
}

type multimodalResponse struct {
	Prediction           string         `json:"prediction"`
	Confidence           float64        `json:"confidence"`
	ImageConfidence      float64        `json:"image_confidence"`
	TabularConfidence    float64        `json:"tabular_confidence"`
	ImagePrediction      string         `json:"image_prediction"`
	TabularPrediction    string         `json:"tabular_prediction"`
	GradCAM              *string        `json:"gradcam"`
	SHAP                 *string        `json:"shap"`
	MissingFields        []string       `json:"missing_fields,omitempty"`
	UnknownFields        []string       `json:"unknown_fields,omitempty"`
	MemoryOptimized      bool           `json:"memory_optimized"`
	SequentialProcessing bool           `json:"sequential_processing"`
	Metrics              fusion.Metrics `json:"metrics"`
	Timestamp            string         `json:"timestamp"`
	Type                 string         `json:"type"`
	RequestID            string         `json:"request_id"`
}

// PredictImage handles multipart uploads under "file" (or "image").
func (h *Handler) PredictImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ctx, id := requestContext(w, r)

	raw, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, uploadStatus(err), err.Error())
		return
	}
	explain, err := formBool(r, "return_gradcam")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.runner.RunImage(ctx, raw, explain)
	if err != nil {
		fail(w, id, "/predict/image", err)
		return
	}

	p := out.Prediction
	writeJSON(w, http.StatusOK, imageResponse{
		Prediction:      p.Label.String(),
		Confidence:      p.ConfidencePercent(),
		PredictedClass:  p.ClassIndex,
		Probability:     p.PositiveProbability(),
		GradCAM:         encoded(out.Explanation),
		GradCAMEnabled:  explain,
		MemoryOptimized: true,
		Metrics:         h.opts.ImageMetrics,
		Timestamp:       timestamp(),
		Type:            "image",
		RequestID:       id,
	})
}

// PredictTabular accepts a JSON object of named fields, a JSON array of 10
// values, or {"features": ..., "return_shap": bool}.
func (h *Handler) PredictTabular(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ctx, id := requestContext(w, r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes))
	if err != nil {
		writeError(w, uploadStatus(err), fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	in, bodyExplain, err := parseTabularBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	explain, err := queryBool(r, "return_shap")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	explain = explain || bodyExplain

	out, err := h.runner.RunTabular(ctx, in, explain)
	if err != nil {
		fail(w, id, "/predict/tabular", err)
		return
	}
	warnLenient(id, out.Report)

	p := out.Prediction
	resp := tabularResponse{
		Prediction:     p.Label.String(),
		Confidence:     p.ConfidencePercent(),
		PredictedClass: p.ClassIndex,
		Probabilities: map[string]float64{
			"malignant": model.RoundPercent(p.PositiveProbability()),
			"benign":    model.RoundPercent(p.Probabilities[1-p.PositiveIndex]),
		},
		SHAP:            encoded(out.Explanation),
		MissingFields:   out.Report.Missing,
		UnknownFields:   out.Report.Unknown,
		MemoryOptimized: true,
		Metrics:         h.opts.TabularMetrics,
		Timestamp:       timestamp(),
		Type:            "tabular",
		RequestID:       id,
	}
	if out.Explanation != nil {
		resp.Attributions = make(map[string]float64, len(out.Explanation.Values))
		for i, v := range out.Explanation.Values {
			resp.Attributions[out.Explanation.Names[i]] = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// PredictMultimodal runs the image model, then the tabular model, then
// averages their malignant probabilities.
func (h *Handler) PredictMultimodal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ctx, id := requestContext(w, r)

	raw, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, uploadStatus(err), err.Error())
		return
	}
	in, err := codec.ParseFeatures(r.FormValue("features"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var opts lifecycle.FusedOptions
	if opts.ExplainImage, err = formBool(r, "return_gradcam"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.ExplainTabular, err = formBool(r, "return_shap"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.runner.RunFused(ctx, raw, in, opts)
	if err != nil {
		fail(w, id, "/predict/multimodal", err)
		return
	}
	warnLenient(id, out.Report)

	writeJSON(w, http.StatusOK, multimodalResponse{
		Prediction:           out.Label.String(),
		Confidence:           model.RoundPercent(out.Probability),
		ImageConfidence:      model.RoundPercent(out.Image.PositiveProbability()),
		TabularConfidence:    model.RoundPercent(out.Tabular.PositiveProbability()),
		ImagePrediction:      out.Image.Label.String(),
		TabularPrediction:    out.Tabular.Label.String(),
		GradCAM:              encoded(out.ImageExplanation),
		SHAP:                 encoded(out.TabularExplanation),
		MissingFields:        out.Report.Missing,
		UnknownFields:        out.Report.Unknown,
		MemoryOptimized:      true,
		SequentialProcessing: true,
		Metrics:              fusion.MeanMetrics(h.opts.ImageMetrics, h.opts.TabularMetrics, h.opts.Version, combinedAlgorithm),
		Timestamp:            timestamp(),
		Type:                 "multimodal",
		RequestID:            id,
	})
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	var (
		file   multipart.File
		header *multipart.FileHeader
		err    error
	)
	for _, field := range []string{"file", "image"} {
		if file, header, err = r.FormFile(field); err == nil {
			break
		}
	}
	if err != nil {
		return nil, errors.New("no image file provided, use 'file' as the form field name")
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	log.Printf("Received file: %s, size: %d bytes", header.Filename, len(raw))
	return raw, nil
}

// uploadStatus is 413 for bodies over the upload limit and 400 otherwise.
func uploadStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func parseTabularBody(body []byte) (codec.TabularInput, bool, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return codec.TabularInput{}, false, errors.New("request body is empty")
	}
	if body[0] == '[' {
		in, err := codec.ParseFeatures(string(body))
		return in, false, err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return codec.TabularInput{}, false, errors.New("invalid JSON")
	}

	var explain bool
	if raw, ok := obj["return_shap"]; ok {
		if err := json.Unmarshal(raw, &explain); err != nil {
			return codec.TabularInput{}, false, errors.New("return_shap must be a boolean")
		}
		delete(obj, "return_shap")
	}

	if raw, ok := obj["features"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			s = string(raw)
		}
		in, err := codec.ParseFeatures(s)
		return in, explain, err
	}

	fields := make(map[string]float64, len(obj))
	for k, raw := range obj {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return codec.TabularInput{}, false, &codec.ShapeError{What: fmt.Sprintf("field %s must be a number", k)}
		}
		fields[k] = v
	}
	return codec.Named(fields), explain, nil
}

func formBool(r *http.Request, key string) (bool, error) {
	return parseBool(key, r.FormValue(key))
}

func queryBool(r *http.Request, key string) (bool, error) {
	return parseBool(key, r.URL.Query().Get(key))
}

func parseBool(key, v string) (bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func encoded(e *model.Explanation) *string {
	if e == nil {
		return nil
	}
	s := e.Base64()
	return &s
}

func warnLenient(requestID string, rep codec.Report) {
	if len(rep.Missing) > 0 {
		log.Printf("warning [%s]: missing tabular fields defaulted to 0: %v", requestID, rep.Missing)
	}
	if len(rep.Unknown) > 0 {
		log.Printf("warning [%s]: ignored unknown tabular fields: %v", requestID, rep.Unknown)
	}
}
