// Package metrics exposes Prometheus metrics and health endpoints for the
// archiver's interval mode.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatpulse_ingest_runs_total",
		Help: "Total number of ingestion runs by outcome",
	}, []string{"outcome"})

	messagesIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatpulse_messages_ingested_total",
		Help: "Total number of messages committed to the archive",
	})

	contactsUpsertedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatpulse_contacts_upserted_total",
		Help: "Total number of contact upserts applied",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatpulse_ingest_run_duration_seconds",
		Help:    "Time taken by one complete ingestion run",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	watermarkTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatpulse_watermark_timestamp_seconds",
		Help: "Unix timestamp of the last archived message",
	})
)

func init() {
	prometheus.MustRegister(
		runsTotal,
		messagesIngestedTotal,
		contactsUpsertedTotal,
		runDuration,
		watermarkTimestamp,
	)
}

// ObserveRun records the outcome of one ingestion run.
func ObserveRun(outcome string, duration time.Duration, messages, contacts int, watermarkAt time.Time) {
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(duration.Seconds())
	messagesIngestedTotal.Add(float64(messages))
	contactsUpsertedTotal.Add(float64(contacts))
	if !watermarkAt.IsZero() {
		watermarkTimestamp.Set(float64(watermarkAt.Unix()))
	}
}

// Server serves /metrics and /health for the lifetime of the context.
type Server struct {
	service string
	pool    *pgxpool.Pool
	started time.Time
}

// NewServer creates a metrics server that reports health against the given
// archive pool.
func NewServer(service string, pool *pgxpool.Pool) *Server {
	return &Server{service: service, pool: pool, started: time.Now()}
}

// Serve blocks until ctx is cancelled, then shuts the HTTP server down with
// a short grace period.
func (s *Server) Serve(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.healthHandler)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	log.Info().Int("port", port).Msg("starting metrics server")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down metrics server")
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.pool.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "healthy",
		"service": s.service,
		"uptime":  time.Since(s.started).Seconds(),
	})
}
