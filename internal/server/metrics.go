package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	pledgesTotal     *prometheus.CounterVec
	withdrawsTotal   *prometheus.CounterVec
	unrecordedTotal  prometheus.Counter
	upstreamFailures *prometheus.CounterVec
}

func newMetricsRegistry() *metricsRegistry {
	pledges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daqiao_pledges_total",
		Help: "Total number of pledge requests by outcome",
	}, []string{"status"})

	withdraws := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daqiao_withdraws_total",
		Help: "Total number of withdraw requests by outcome",
	}, []string{"status"})

	unrecorded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daqiao_unrecorded_payouts_total",
		Help: "Payouts that completed without a ledger record; requires manual reconciliation",
	})

	upstream := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daqiao_upstream_failures_total",
		Help: "Adapter and ledger availability failures by chain",
	}, []string{"chain"})

	r := prometheus.NewRegistry()
	r.MustRegister(pledges, withdraws, unrecorded, upstream)

	return &metricsRegistry{
		registry:         r,
		pledgesTotal:     pledges,
		withdrawsTotal:   withdraws,
		unrecordedTotal:  unrecorded,
		upstreamFailures: upstream,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incPledge(status string) {
	m.pledgesTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incWithdraw(status string) {
	m.withdrawsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incUnrecorded() {
	m.unrecordedTotal.Inc()
}

func (m *metricsRegistry) incUpstreamFailure(chain string) {
	m.upstreamFailures.WithLabelValues(chain).Inc()
}
