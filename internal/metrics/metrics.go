// Package metrics provides the Prometheus metrics for autosave and sync.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

// SyncMetrics contains the metrics for local saves and backend sync. All
// methods are no-ops on a nil receiver so components can run without
// metrics.
type SyncMetrics struct {
	Submits            *prometheus.CounterVec
	PhotoUploads       *prometheus.CounterVec
	PhotoUploadSeconds prometheus.Histogram
	PhotoRetries       prometheus.Counter
	AutosaveFlushes    prometheus.Counter
	AutosaveDiscarded  prometheus.Counter
}

// NewSyncMetrics creates the metrics and registers them on registry.
func NewSyncMetrics(registry *prometheus.Registry) (*SyncMetrics, error) {
	m := &SyncMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register sync metrics: %w", err)
	}
	return m, nil
}

func (m *SyncMetrics) initMetrics() {
	m.Submits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "siteassess_submits_total",
		Help: "Total number of assessment submit attempts by outcome.",
	}, []string{"outcome"})

	m.PhotoUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "siteassess_photo_uploads_total",
		Help: "Total number of photo uploads by outcome.",
	}, []string{"outcome"})

	m.PhotoUploadSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "siteassess_photo_upload_duration_seconds",
		Help:    "Duration of a single photo upload including its metadata upsert.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	m.PhotoRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siteassess_photo_upload_retries_total",
		Help: "Total number of photo upload retries.",
	})

	m.AutosaveFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siteassess_autosave_flushes_total",
		Help: "Total number of debounced step updates applied.",
	})

	m.AutosaveDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siteassess_autosave_discarded_total",
		Help: "Total number of autosave timers discarded because the active assessment changed.",
	})
}

func (m *SyncMetrics) ObserveSubmit(outcome string) {
	if m == nil {
		return
	}
	m.Submits.WithLabelValues(outcome).Inc()
}

// ObservePhotoUpload records one photo's final outcome and how long it took.
func (m *SyncMetrics) ObservePhotoUpload(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.PhotoUploads.WithLabelValues(outcome).Inc()
	m.PhotoUploadSeconds.Observe(seconds)
}

func (m *SyncMetrics) IncPhotoRetries() {
	if m == nil {
		return
	}
	m.PhotoRetries.Inc()
}

func (m *SyncMetrics) IncAutosaveFlushes() {
	if m == nil {
		return
	}
	m.AutosaveFlushes.Inc()
}

func (m *SyncMetrics) IncAutosaveDiscarded() {
	if m == nil {
		return
	}
	m.AutosaveDiscarded.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *SyncMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Submits.Collect(ch)
	m.PhotoUploads.Collect(ch)
	ch <- m.PhotoUploadSeconds
	ch <- m.PhotoRetries
	ch <- m.AutosaveFlushes
	ch <- m.AutosaveDiscarded
}

// Describe implements the prometheus.Collector interface.
func (m *SyncMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Submits.Describe(ch)
	m.PhotoUploads.Describe(ch)
	ch <- m.PhotoUploadSeconds.Desc()
	ch <- m.PhotoRetries.Desc()
	ch <- m.AutosaveFlushes.Desc()
	ch <- m.AutosaveDiscarded.Desc()
}
