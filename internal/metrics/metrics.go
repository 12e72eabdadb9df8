// Package metrics exposes scheduler, worker and command-retry counters in
// the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/conductor/internal/jobexec"
	"github.com/roach88/conductor/internal/model"
)

// Collector records engine events. It implements jobexec.Recorder and
// uow.Observer.
type Collector struct {
	registry *prometheus.Registry

	jobsAcquired    prometheus.Counter
	acquisitionLost prometheus.Counter
	jobsRejected    prometheus.Counter
	jobsFinished    *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	acquisitionWait prometheus.Gauge
	commandRetries  *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_jobs_acquired_total",
			Help: "Jobs locked by this node",
		}),
		acquisitionLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_acquisition_lost_total",
			Help: "Jobs another node locked first",
		}),
		jobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_jobs_rejected_total",
			Help: "Acquired jobs the worker pool could not take",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_jobs_finished_total",
			Help: "Job executions by handler type and outcome",
		}, []string{"handler", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_job_duration_seconds",
			Help:    "Job execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler"}),
		acquisitionWait: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_acquisition_wait_seconds",
			Help: "Current sleep between acquisition cycles",
		}),
		commandRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_command_retries_total",
			Help: "Commands re-run after a conflict, by command and failure kind",
		}, []string{"command", "kind"}),
	}

	c.registry.MustRegister(
		c.jobsAcquired,
		c.acquisitionLost,
		c.jobsRejected,
		c.jobsFinished,
		c.jobDuration,
		c.acquisitionWait,
		c.commandRetries,
		collectors.NewGoCollector(),
	)
	return c
}

func (c *Collector) JobsAcquired(acquired, lost int) {
	c.jobsAcquired.Add(float64(acquired))
	c.acquisitionLost.Add(float64(lost))
}

func (c *Collector) JobsRejected(n int) {
	c.jobsRejected.Add(float64(n))
}

func (c *Collector) JobFinished(handlerType string, outcome jobexec.Outcome, elapsed time.Duration) {
	c.jobsFinished.WithLabelValues(handlerType, string(outcome)).Inc()
	c.jobDuration.WithLabelValues(handlerType).Observe(elapsed.Seconds())
}

func (c *Collector) AcquisitionWait(d time.Duration) {
	c.acquisitionWait.Set(d.Seconds())
}

func (c *Collector) CommandRetried(command string, kind model.ErrorKind) {
	c.commandRetries.WithLabelValues(command, string(kind)).Inc()
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
