/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector represents a collector of metrics to analyze how a limiter is used.
type MetricsCollector interface {
	// AddGranted increments the total number of granted permits.
	AddGranted(permits int)

	// AddDenied increments the total number of denied permits.
	AddDenied(permits int)

	// SetQueued sets the current number of queued permits.
	SetQueued(permits int)

	// SetAvailable sets the current number of available permits.
	SetAvailable(permits int)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that will be curried with the provided labels.
	// See PrometheusMetrics.MustCurryWith method for more details.
	// Keep in mind that if this list is not empty,
	// PrometheusMetrics.MustCurryWith method must be called further with the same labels.
	// Otherwise, the collector will panic.
	CurriedLabelNames []string
}

// PrometheusMetrics represents Prometheus metrics for a limiter.
type PrometheusMetrics struct {
	GrantedTotal     *prometheus.CounterVec
	DeniedTotal      *prometheus.CounterVec
	QueuedPermits    *prometheus.GaugeVec
	AvailablePermits *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	grantedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_granted_permits_total",
			Help:        "Total number of granted permits.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	deniedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_denied_permits_total",
			Help:        "Total number of denied permits.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	queuedPermits := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_queued_permits",
			Help:        "Current number of queued permits.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	availablePermits := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_available_permits",
			Help:        "Current number of available permits.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	return &PrometheusMetrics{
		GrantedTotal:     grantedTotal,
		DeniedTotal:      deniedTotal,
		QueuedPermits:    queuedPermits,
		AvailablePermits: availablePermits,
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		GrantedTotal:     pm.GrantedTotal.MustCurryWith(labels),
		DeniedTotal:      pm.DeniedTotal.MustCurryWith(labels),
		QueuedPermits:    pm.QueuedPermits.MustCurryWith(labels),
		AvailablePermits: pm.AvailablePermits.MustCurryWith(labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.GrantedTotal,
		pm.DeniedTotal,
		pm.QueuedPermits,
		pm.AvailablePermits,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.GrantedTotal)
	prometheus.Unregister(pm.DeniedTotal)
	prometheus.Unregister(pm.QueuedPermits)
	prometheus.Unregister(pm.AvailablePermits)
}

// AddGranted increments the total number of granted permits.
func (pm *PrometheusMetrics) AddGranted(permits int) {
	pm.GrantedTotal.With(nil).Add(float64(permits))
}

// AddDenied increments the total number of denied permits.
func (pm *PrometheusMetrics) AddDenied(permits int) {
	pm.DeniedTotal.With(nil).Add(float64(permits))
}

// SetQueued sets the current number of queued permits.
func (pm *PrometheusMetrics) SetQueued(permits int) {
	pm.QueuedPermits.With(nil).Set(float64(permits))
}

// SetAvailable sets the current number of available permits.
func (pm *PrometheusMetrics) SetAvailable(permits int) {
	pm.AvailablePermits.With(nil).Set(float64(permits))
}

type disabledMetrics struct{}

func (disabledMetrics) AddGranted(int)   {}
func (disabledMetrics) AddDenied(int)    {}
func (disabledMetrics) SetQueued(int)    {}
func (disabledMetrics) SetAvailable(int) {}

var disabledMetricsCollector = disabledMetrics{}
