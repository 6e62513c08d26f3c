package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	ActiveClients  prometheus.Gauge
	QueueLength    prometheus.Gauge
	CookiesStored  prometheus.Gauge
	AccessRequests *prometheus.CounterVec
	Notifications  *prometheus.CounterVec
	RateLimited    prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_active_clients",
			Help: "Sessions currently holding access",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_queue_length",
			Help: "Sessions waiting for access",
		}),
		CookiesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_cookies_stored",
			Help: "Cookies currently in the shared pool",
		}),
		AccessRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_access_requests_total",
			Help: "Access requests by outcome",
		}, []string{"outcome"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_notifications_total",
			Help: "Push notifications by type",
		}, []string{"type"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
	reg.MustRegister(m.ActiveClients, m.QueueLength, m.CookiesStored,
		m.AccessRequests, m.Notifications, m.RateLimited)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetOccupancy updates the coordinator gauges. Safe on a nil receiver so
// callers under test can skip wiring metrics.
func (m *Registry) SetOccupancy(active, queued int) {
	if m == nil {
		return
	}
	m.ActiveClients.Set(float64(active))
	m.QueueLength.Set(float64(queued))
}

// ObserveAccessRequest counts one access request outcome.
func (m *Registry) ObserveAccessRequest(outcome string) {
	if m == nil {
		return
	}
	m.AccessRequests.WithLabelValues(outcome).Inc()
}

// ObserveNotification counts one push notification by type.
func (m *Registry) ObserveNotification(typ string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(typ).Inc()
}

// SetCookiesStored updates the pool size gauge.
func (m *Registry) SetCookiesStored(n int) {
	if m == nil {
		return
	}
	m.CookiesStored.Set(float64(n))
}

// ObserveRateLimited counts one throttled request.
func (m *Registry) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
