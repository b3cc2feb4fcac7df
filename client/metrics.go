package client

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the session layer does. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Requests       *prometheus.CounterVec
	Refreshes      *prometheus.CounterVec
	Retries        prometheus.Counter
	SessionExpired prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dogquiz",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "HTTP responses received by the authenticated executor, by status code.",
		}, []string{"code"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dogquiz",
			Subsystem: "client",
			Name:      "refresh_total",
			Help:      "Token refresh exchanges, by result.",
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dogquiz",
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Requests replayed after a 401.",
		}),
		SessionExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dogquiz",
			Subsystem: "client",
			Name:      "session_expired_total",
			Help:      "Session-expired events broadcast.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Refreshes, m.Retries, m.SessionExpired)
	}
	return m
}

func (m *Metrics) observeResponse(code int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) observeRefresh(result string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) observeSessionExpired() {
	if m == nil {
		return
	}
	m.SessionExpired.Inc()
}
