package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"os/signal"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aihq/cascade-router/internal/admission"
	"github.com/aihq/cascade-router/internal/backend"
	"github.com/aihq/cascade-router/internal/cascade"
	"github.com/aihq/cascade-router/internal/classify"
	"github.com/aihq/cascade-router/internal/config"
	"github.com/aihq/cascade-router/internal/httpapi"
	"github.com/aihq/cascade-router/internal/policy"
	"github.com/aihq/cascade-router/internal/registry"
	"github.com/aihq/cascade-router/internal/telemetry"
)

func main() {
	cfg := config.FromEnv()

	reg, err := registry.Load(cfg.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load router config %s: %v", cfg.ConfigPath, err)
	}

	required := config.RequiredModels()
	var missing []string
	for _, id := range required {
		if !reg.Has(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		msg := "missing required backend ids: " + strings.Join(missing, ", ")
		if config.FailFastOnMissingRequired() {
			log.Fatal(msg)
		}
		log.Printf("warning: %s", msg)
	}

	admissionQueue := admission.New(admission.Config{
		RedisURL: cfg.RedisURL,
		MaxWork:  cfg.GPUQueueMaxWork,
		Timeout:  admissionTimeout(cfg, reg),
	})

	invoker := backend.New(cfg, reg)

	metricsRegistry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(metricsRegistry)
	emitter := telemetry.NewEmitter(metrics)

	classifier := classify.New(reg, invoker)
	selector := policy.New(reg)

	engine := cascade.New(cascade.Config{
		Registry:       reg,
		Classifier:     classifier,
		Selector:       selector,
		Invoker:        invoker,
		Admission:      admissionQueue,
		Emitter:        emitter,
		CloudAvailable: cfg.CloudAvailable,
		Deadline:       cfg.WriteTimeout,
	})

	var allowedOrigins []string
	if corsEnv := os.Getenv("CORS_ALLOWED_ORIGINS"); corsEnv != "" {
		for _, origin := range strings.Split(corsEnv, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				allowedOrigins = append(allowedOrigins, trimmed)
			}
		}
	}

	srv := httpapi.New(httpapi.Config{
		Engine:         engine,
		Registry:       reg,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: allowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		PromRegistry:   metricsRegistry,
	})

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Printf("gateway listening on :%d (backends=%d, cloud_available=%v, gpu_admission_enabled=%v)",
			cfg.Port, len(reg.Iterate()), cfg.CloudAvailable(), admissionQueue.Metrics().Enabled)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go pollAdmissionMetrics(ctx, admissionQueue, metrics)
	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	admissionQueue.Close()
	log.Println("gateway stopped")
}

// admissionTimeout resolves the GPU admission timeout: an explicit
// GPU_QUEUE_TIMEOUT env wins, then the routing document's
// sla.admission_timeout_ms, then the env loader's default.
func admissionTimeout(cfg config.Config, reg *registry.Registry) time.Duration {
	if os.Getenv("GPU_QUEUE_TIMEOUT") != "" {
		return cfg.GPUQueueTimeout
	}
	if sla := reg.SLA(); sla.AdmissionTimeoutMS > 0 {
		return time.Duration(sla.AdmissionTimeoutMS) * time.Millisecond
	}
	return cfg.GPUQueueTimeout
}

// pollAdmissionMetrics republishes GpuAdmission's enabled, queue_depth and
// active values into Prometheus gauges on a fixed tick until ctx is done,
// since the queue itself has no push path to the metrics registry. The
// max value has no gauge and is not published.
func pollAdmissionMetrics(ctx context.Context, q *admission.Queue, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := q.Metrics()
			metrics.RecordAdmission(telemetry.AdmissionMetrics{
				Enabled:    m.Enabled,
				QueueDepth: m.QueueDepth,
				Active:     m.Active,
			})
		}
	}
}
