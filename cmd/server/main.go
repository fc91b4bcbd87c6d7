package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Brownie44l1/breastscan-api/internal/activity"
	"github.com/Brownie44l1/breastscan-api/internal/config"
	"github.com/Brownie44l1/breastscan-api/internal/handlers"
	"github.com/Brownie44l1/breastscan-api/internal/lifecycle"
	"github.com/Brownie44l1/breastscan-api/internal/model"
	"github.com/Brownie44l1/breastscan-api/internal/telemetry"
)

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "breastscan.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addrFlag != "" {
		cfg.Server.Addr = *addrFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.Service,
		Version:  cfg.Server.Version,
	})
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}

	if err := model.InitRuntime(cfg.Runtime.SharedLibraryPath); err != nil {
		log.Fatalf("failed to initialize onnxruntime: %v", err)
	}
	defer model.ShutdownRuntime()

	modelsDir := resolveModelsDir(cfg.Models.Dir)
	loader := model.NewLoader(modelsDir, model.ORTOpener{IntraOpThreads: cfg.Runtime.IntraOpThreads})
	events := activity.New(cfg.Activity.Size)
	coord := lifecycle.New(loader, lifecycle.Options{
		Events:      events,
		Telemetry:   tel,
		MaxInFlight: cfg.Server.MaxInFlight,
	})

	handler := handlers.NewHandler(coord, handlers.Options{
		Version:        cfg.Server.Version,
		RAMTarget:      cfg.Server.RAMTarget,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		ImageMetrics:   cfg.Metrics.Image,
		TabularMetrics: cfg.Metrics.Tabular,
		Events:         events,
		RecentEvents:   cfg.Activity.Report,
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.CORS{AllowedOrigins: cfg.CORS.AllowedOrigins}.Wrap(mux),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Models are loaded per request; nothing is read from modelsDir yet.
	log.Printf("Server starting on %s", cfg.Server.Addr)
	log.Printf("Models directory: %s (loaded on demand)", modelsDir)
	log.Printf("Startup memory: %s", lifecycle.ReadMemory())
	log.Println("Endpoints:")
	log.Println("  GET  /health             - Health check")
	log.Println("  POST /predict/image      - Mammogram / histology image")
	log.Println("  POST /predict/tabular    - 10 mean cell-nucleus features")
	log.Println("  POST /predict/multimodal - Image + features, run one after the other")
	log.Printf("\n💡 Upload test: curl -X POST -F \"file=@scan.png\" http://localhost%s/predict/image\n\n", cfg.Server.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	tel.Shutdown(shutdownCtx)
}

// resolveModelsDir anchors a relative models dir at the project root, so
// the binary also works when started from cmd/server.
func resolveModelsDir(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to get working directory: %v", err)
	}
	if filepath.Base(wd) == "server" {
		wd = filepath.Join(wd, "../..")
	}
	return filepath.Join(wd, dir)
}
