// Package observability provides structured logging helpers and Prometheus
// metric registries for the fund engine.
package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// FundMetrics tracks the economic activity of the fund engine.
type FundMetrics struct {
	deposits      *prometheus.CounterVec
	sales         prometheus.Counter
	curveLevel    prometheus.Gauge
	exitsFilled   *prometheus.CounterVec
	distributions *prometheus.CounterVec
	operationErrs *prometheus.CounterVec
}

var (
	fundMetricsOnce sync.Once
	fundRegistry    *FundMetrics
)

// Fund returns the lazily-initialised fund metrics registry.
func Fund() *FundMetrics {
	fundMetricsOnce.Do(func() {
		fundRegistry = &FundMetrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "daofund",
				Subsystem: "engine",
				Name:      "deposits_total",
				Help:      "Count of accepted deposits segmented by lifecycle stage.",
			}, []string{"stage"}),
			sales: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "daofund",
				Subsystem: "engine",
				Name:      "primary_sales_total",
				Help:      "Count of settled bonding-curve sales.",
			}),
			curveLevel: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "daofund",
				Subsystem: "engine",
				Name:      "curve_level",
				Help:      "Current bonding-curve level after the last settled sale.",
			}),
			exitsFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "daofund",
				Subsystem: "engine",
				Name:      "exit_fills_total",
				Help:      "Count of exit-queue buybacks segmented by fill kind.",
			}, []string{"kind"}),
			distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "daofund",
				Subsystem: "engine",
				Name:      "distributions_total",
				Help:      "Count of profit distributions segmented by token.",
			}, []string{"token"}),
			operationErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "daofund",
				Subsystem: "engine",
				Name:      "operation_errors_total",
				Help:      "Count of rejected engine operations segmented by operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			fundRegistry.deposits,
			fundRegistry.sales,
			fundRegistry.curveLevel,
			fundRegistry.exitsFilled,
			fundRegistry.distributions,
			fundRegistry.operationErrs,
		)
	})
	return fundRegistry
}

// RecordDeposit increments the deposit counter for the given stage label.
func (m *FundMetrics) RecordDeposit(stage string) {
	if m == nil {
		return
	}
	if stage = strings.TrimSpace(stage); stage == "" {
		stage = "unknown"
	}
	m.deposits.WithLabelValues(stage).Inc()
}

// RecordSale counts a settled curve sale and records the new level.
func (m *FundMetrics) RecordSale(level uint64) {
	if m == nil {
		return
	}
	m.sales.Inc()
	m.curveLevel.Set(float64(level))
}

// RecordExitFill counts a buyback. kind is "full" or "partial".
func (m *FundMetrics) RecordExitFill(kind string) {
	if m == nil {
		return
	}
	if kind != "partial" {
		kind = "full"
	}
	m.exitsFilled.WithLabelValues(kind).Inc()
}

// RecordDistribution counts a profit distribution for the token.
func (m *FundMetrics) RecordDistribution(token string) {
	if m == nil {
		return
	}
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == "" {
		token = "UNKNOWN"
	}
	m.distributions.WithLabelValues(token).Inc()
}

// RecordError counts a rejected operation.
func (m *FundMetrics) RecordError(operation string) {
	if m == nil {
		return
	}
	if operation = strings.TrimSpace(operation); operation == "" {
		operation = "unknown"
	}
	m.operationErrs.WithLabelValues(operation).Inc()
}
