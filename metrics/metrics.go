// Package metrics exposes the governor's state as Prometheus collectors.
// Every series carries a gallery label so several governors can share a
// process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "lowkey_grid"

// GalleryLabel names the governor instance a series belongs to.
const GalleryLabel = "gallery"

var (
	MaxLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "max_loaded",
		Help:      "Current cap on loaded items.",
	}, []string{GalleryLabel})

	MaxConcurrentLoading = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "max_concurrent_loading",
		Help:      "Current cap on items loading at once.",
	}, []string{GalleryLabel})

	LoadedItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "loaded_items",
		Help:      "Items whose media is loaded.",
	}, []string{GalleryLabel})

	LoadingItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "loading_items",
		Help:      "Items currently loading.",
	}, []string{GalleryLabel})

	PlayingItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "playing_items",
		Help:      "Items holding a playback slot.",
	}, []string{GalleryLabel})

	MemoryPressure = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "memory_pressure",
		Help:      "Smoothed ratio of used to total memory.",
	}, []string{GalleryLabel})

	MaterializedItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "materialized_items",
		Help:      "Size of the revealed prefix of the candidate list.",
	}, []string{GalleryLabel})

	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "evictions_total",
		Help:      "Items released by the eviction planner.",
	}, []string{GalleryLabel})

	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "admission_decisions_total",
		Help:      "Admission decisions by outcome.",
	}, []string{GalleryLabel, "decision"})

	LayoutPassSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "layout_pass_seconds",
		Help:      "Placement time of a complete layout pass, excluding frame waits.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}, []string{GalleryLabel})
)

// Admission outcomes used as the decision label.
const (
	Allowed = "allowed"
	Denied  = "denied"
)

// Recorder holds the series of one gallery.
type Recorder struct {
	gallery string

	MaxLoaded            prometheus.Gauge
	MaxConcurrentLoading prometheus.Gauge
	LoadedItems          prometheus.Gauge
	LoadingItems         prometheus.Gauge
	PlayingItems         prometheus.Gauge
	MemoryPressure       prometheus.Gauge
	MaterializedItems    prometheus.Gauge
	Evictions            prometheus.Counter

	allowed    prometheus.Counter
	denied     prometheus.Counter
	layoutPass prometheus.Observer
}

// For returns the recorder for gallery, creating its series at zero.
func For(gallery string) *Recorder {
	return &Recorder{
		gallery:              gallery,
		MaxLoaded:            MaxLoaded.WithLabelValues(gallery),
		MaxConcurrentLoading: MaxConcurrentLoading.WithLabelValues(gallery),
		LoadedItems:          LoadedItems.WithLabelValues(gallery),
		LoadingItems:         LoadingItems.WithLabelValues(gallery),
		PlayingItems:         PlayingItems.WithLabelValues(gallery),
		MemoryPressure:       MemoryPressure.WithLabelValues(gallery),
		MaterializedItems:    MaterializedItems.WithLabelValues(gallery),
		Evictions:            Evictions.WithLabelValues(gallery),
		allowed:              AdmissionDecisions.WithLabelValues(gallery, Allowed),
		denied:               AdmissionDecisions.WithLabelValues(gallery, Denied),
		layoutPass:           LayoutPassSeconds.WithLabelValues(gallery),
	}
}

// Gallery returns the label value of r.
func (r *Recorder) Gallery() string { return r.gallery }

// ObserveAdmission counts one CanLoad outcome.
func (r *Recorder) ObserveAdmission(ok bool) {
	if ok {
		r.allowed.Inc()
		return
	}
	r.denied.Inc()
}

// ObserveLayoutPass records the cost of one layout pass.
func (r *Recorder) ObserveLayoutPass(d time.Duration) {
	r.layoutPass.Observe(d.Seconds())
}

// Forget drops the gallery's gauges so a closed governor stops reporting.
// Counters and the histogram are kept; they are cumulative.
func (r *Recorder) Forget() {
	for _, v := range []*prometheus.GaugeVec{
		MaxLoaded, MaxConcurrentLoading, LoadedItems, LoadingItems,
		PlayingItems, MemoryPressure, MaterializedItems,
	} {
		v.DeleteLabelValues(r.gallery)
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
