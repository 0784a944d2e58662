// Package metrics provides Prometheus metrics for reconciliation.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/steveyegge/kbsync/internal/db"
	"github.com/steveyegge/kbsync/internal/publish"
	"github.com/steveyegge/kbsync/internal/reconcile"
)

// Failure kinds used as the "kind" label.
const (
	KindUpload      = "upload"
	KindAttach      = "attach"
	KindStore       = "store"
	KindEnumeration = "enumeration"
	KindCancelled   = "cancelled"
	KindOther       = "other"
)

// Collector records reconciliation activity. It implements
// reconcile.Observer and is safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	filesTotal      *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	passDuration    *prometheus.HistogramVec
	passesTotal     *prometheus.CounterVec
	lastPass        *prometheus.GaugeVec
}

var _ reconcile.Observer = (*Collector)(nil)

// New creates a collector registered on a fresh registry that also carries
// the Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates a collector registered on reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		filesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbsync_files_total",
				Help: "Files reconciled, by outcome",
			},
			[]string{"knowledge_id", "action"},
		),

		failuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbsync_failures_total",
				Help: "Reconciliation failures, by kind",
			},
			[]string{"knowledge_id", "kind"},
		),

		publishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kbsync_publish_duration_seconds",
				Help:    "Time to upload, attach and record one file",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"knowledge_id"},
		),

		passDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kbsync_pass_duration_seconds",
				Help:    "Reconciliation pass duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"knowledge_id"},
		),

		passesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbsync_passes_total",
				Help: "Completed reconciliation passes",
			},
			[]string{"knowledge_id"},
		),

		lastPass: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kbsync_last_pass_timestamp_seconds",
				Help: "Unix time the last pass finished",
			},
			[]string{"knowledge_id"},
		),
	}
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// OnFileReconciled records one file outcome.
func (c *Collector) OnFileReconciled(e reconcile.Event) {
	if e.Err != nil {
		c.filesTotal.WithLabelValues(e.KnowledgeID, reconcile.ActionFailed.String()).Inc()
		c.failuresTotal.WithLabelValues(e.KnowledgeID, FailureKind(e.Err)).Inc()
		return
	}

	c.filesTotal.WithLabelValues(e.KnowledgeID, e.Action.String()).Inc()
	if e.Action == reconcile.ActionPublished {
		c.publishDuration.WithLabelValues(e.KnowledgeID).Observe(e.Duration.Seconds())
	}
}

// OnPassComplete records pass timing and any subtree enumeration failures.
// File failures are already counted by OnFileReconciled.
func (c *Collector) OnPassComplete(r *reconcile.SyncReport) {
	c.passesTotal.WithLabelValues(r.KnowledgeID).Inc()
	c.passDuration.WithLabelValues(r.KnowledgeID).Observe(r.Duration.Seconds())
	c.lastPass.WithLabelValues(r.KnowledgeID).Set(float64(r.StartedAt.Add(r.Duration).Unix()))

	for _, f := range r.Failures {
		if FailureKind(f.Err) == KindEnumeration {
			c.failuresTotal.WithLabelValues(r.KnowledgeID, KindEnumeration).Inc()
		}
	}
}

// FailureKind classifies a reconciliation error for the "kind" label.
func FailureKind(err error) string {
	var storeErr *db.StoreError
	var enumErr *reconcile.EnumerationError
	switch {
	case publish.IsUploadError(err):
		return KindUpload
	case publish.IsAttachError(err):
		return KindAttach
	case errors.As(err, &storeErr):
		return KindStore
	case errors.As(err, &enumErr):
		return KindEnumeration
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindOther
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown error: %w", err)
		}
		return nil
	}
}
