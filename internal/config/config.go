package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/breastscan-api/internal/fusion"
)

// Config holds service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Models    ModelsConfig    `yaml:"models"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Activity  ActivityConfig  `yaml:"activity"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`             // HTTP listen address, e.g. ":10000"
	Version           string        `yaml:"version"`          // reported by the health endpoint
	RAMTarget         string        `yaml:"ram_target"`       // informational, e.g. "512MB"
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"` // multipart limit
	MaxInFlight       int           `yaml:"max_in_flight"`    // 0 = unlimited
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type ModelsConfig struct {
	Dir string `yaml:"dir"` // holds <kind>_model.onnx + <kind>_model.json
}

type RuntimeConfig struct {
	SharedLibraryPath string `yaml:"shared_library_path"`
	IntraOpThreads    int    `yaml:"intra_op_threads"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
	Service  string `yaml:"service"`
}

type ActivityConfig struct {
	Size   int `yaml:"size"`   // lifecycle events kept in memory
	Report int `yaml:"report"` // events shown by the health endpoint
}

type MetricsConfig struct {
	Image   fusion.Metrics `yaml:"image"`
	Tabular fusion.Metrics `yaml:"tabular"`
}

// Load reads configuration from a YAML file and applies env overrides.
// If the file doesn't exist, defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":10000",
			Version:           "3.0.0",
			RAMTarget:         "512MB",
			MaxUploadBytes:    10 << 20,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Models: ModelsConfig{Dir: "models"},
		CORS: CORSConfig{
			AllowedOrigins: []string{
				"https://early-breast-cancer-detection.vercel.app",
				"https://breast-cancer-detection-using-ml.vercel.app",
				"http://localhost:3000",
				"http://localhost:8000",
			},
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
			Service:  "breastscan-api",
		},
		Activity: ActivityConfig{Size: 200, Report: 20},
		Metrics: MetricsConfig{
			Image: fusion.Metrics{
				Accuracy:        94.2,
				Precision:       93.1,
				Recall:          95.3,
				F1Score:         94.2,
				Version:         "3.0.0",
				Algorithm:       "EfficientNet-B0 (CPU-optimized)",
				MemoryOptimized: true,
			},
			Tabular: fusion.Metrics{
				Accuracy:        97.8,
				Precision:       96.4,
				Recall:          98.1,
				F1Score:         97.2,
				Version:         "3.0.0",
				Algorithm:       "XGBoost (Memory-optimized)",
				MemoryOptimized: true,
			},
		},
	}
}

func applyEnv(cfg *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if dir := strings.TrimSpace(os.Getenv("MODELS_DIR")); dir != "" {
		cfg.Models.Dir = dir
	}
	if lib := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); lib != "" {
		cfg.Runtime.SharedLibraryPath = lib
	}
	if ep := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); ep != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = ep
	}
	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); origins != "" {
		cfg.CORS.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
			}
		}
	}
}

func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = d.Server.Version
	}
	if cfg.Server.RAMTarget == "" {
		cfg.Server.RAMTarget = d.Server.RAMTarget
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = d.Server.MaxUploadBytes
	}
	if cfg.Models.Dir == "" {
		cfg.Models.Dir = d.Models.Dir
	}
	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = d.Telemetry.Service
	}
	if cfg.Activity.Size == 0 {
		cfg.Activity.Size = d.Activity.Size
	}
	if cfg.Activity.Report == 0 {
		cfg.Activity.Report = d.Activity.Report
	}
}
