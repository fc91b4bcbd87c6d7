package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/breastscan-api/internal/activity"
	"github.com/Brownie44l1/breastscan-api/internal/codec"
	"github.com/Brownie44l1/breastscan-api/internal/fusion"
	"github.com/Brownie44l1/breastscan-api/internal/lifecycle"
	"github.com/Brownie44l1/breastscan-api/internal/model"
)

// Runner is what the handlers need from *lifecycle.Coordinator.
type Runner interface {
	RunImage(ctx context.Context, raw []byte, explain bool) (*lifecycle.ImageOutcome, error)
	RunTabular(ctx context.Context, in codec.TabularInput, explain bool) (*lifecycle.TabularOutcome, error)
	RunFused(ctx context.Context, raw []byte, in codec.TabularInput, opts lifecycle.FusedOptions) (*lifecycle.FusedOutcome, error)
}

type Options struct {
	Version        string
	RAMTarget      string
	MaxUploadBytes int64

	ImageMetrics   fusion.Metrics
	TabularMetrics fusion.Metrics

	Events       *activity.Log
	RecentEvents int
	// Reclaim runs before the health report. Defaults to lifecycle.Reclaim.
	Reclaim func()
}

type Handler struct {
	runner Runner
	opts   Options
}

func NewHandler(runner Runner, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.Reclaim == nil {
		opts.Reclaim = lifecycle.Reclaim
	}
	return &Handler{runner: runner, opts: opts}
}

// RegisterRoutes mounts every endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.Health)
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/predict/image", h.PredictImage)
	mux.HandleFunc("/predict/tabular", h.PredictTabular)
	mux.HandleFunc("/predict/multimodal", h.PredictMultimodal)
}

type healthResponse struct {
	Status          string           `json:"status"`
	Version         string           `json:"version"`
	MemoryOptimized bool             `json:"memory_optimized"`
	LazyLoading     bool             `json:"lazy_loading"`
	RAMTarget       string           `json:"ram_target"`
	ModelsLoaded    bool             `json:"models_loaded"`
	GCEnabled       bool             `json:"gc_enabled"`
	Memory          lifecycle.Memory `json:"memory"`
	HeapAlloc       string           `json:"heap_alloc"`
	RecentEvents    []activity.Event `json:"recent_events"`
}

// Health reports liveness. Models are never resident between requests, so
// models_loaded is always false.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/health" {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	h.opts.Reclaim()
	mem := lifecycle.ReadMemory()
	events := h.opts.Events.Recent(h.opts.RecentEvents)
	if events == nil {
		events = []activity.Event{}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "online",
		Version:         h.opts.Version,
		MemoryOptimized: true,
		LazyLoading:     true,
		RAMTarget:       h.opts.RAMTarget,
		ModelsLoaded:    false,
		GCEnabled:       true,
		Memory:          mem,
		HeapAlloc:       mem.String(),
		RecentEvents:    events,
	})
}

// requestContext assigns a request id, echoes it in X-Request-ID and
// attaches it to the lifecycle context.
func requestContext(w http.ResponseWriter, r *http.Request) (context.Context, string) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", id)
	return lifecycle.WithRequestID(r.Context(), id), id
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000")
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// statusFor maps a lifecycle error onto an HTTP status. Bad input is the
// caller's fault; everything else, missing artifacts included, is ours.
func statusFor(err error) int {
	switch {
	case errors.Is(err, codec.ErrDecode), errors.Is(err, codec.ErrShape):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, requestID, route string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("%s [%s] failed: %v", route, requestID, err)
		var nf *model.ModelNotFoundError
		if errors.As(err, &nf) {
			log.Printf("%s [%s] missing artifact: %s", route, requestID, nf.Path)
		}
	}
	writeError(w, status, err.Error())
}
