// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/sploot/media-clustering/internal/config"
)

var (
    // JobsProcessed counts worker outcomes, partitioned by result: success,
    // retry, dead_letter, skipped, invalid, failure.
    JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "jobs_processed_total",
        Help: "Count of media clustering jobs processed, by result",
    }, []string{"result"})

    // JobProcessingSeconds times a full handle_job pass, from the start of
    // handling an entry to its ack, republish or dead-letter.
    JobProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "job_processing_seconds",
        Help:    "Time spent processing a media clustering job",
        Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
    })

    // PendingJobs mirrors the consumer group's undelivered-or-unacked backlog.
    PendingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "pending_jobs",
        Help: "Number of jobs currently pending in the Redis consumer group",
    })

    // StreamLagSeconds mirrors the oldest pending entry's idle time.
    StreamLagSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "stream_lag_seconds",
        Help: "Idle time in seconds for the oldest pending job",
    })

    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "insights_circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
)

func init() {
    prometheus.MustRegister(JobsProcessed, JobProcessingSeconds, PendingJobs, StreamLagSeconds, CircuitBreakerState)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
