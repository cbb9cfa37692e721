// Copyright 2024-2026 Aiku AI

package connector

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Remote call names used as the "method" label of remote_calls_total.
const (
	callUsersInfo     = "users.info"
	callHistory       = "conversations.history"
	callWebhook       = "webhook"
	callAvatarFetch   = "avatar.fetch"
	callMediaUpload   = "media.upload"
	directionToMatrix = "slack_to_matrix"
	directionToSlack  = "matrix_to_slack"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Registry    *prometheus.Registry
	remoteCalls *prometheus.CounterVec
	bridged     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

// NewMetrics creates the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slackhook",
			Name:      "remote_calls_total",
			Help:      "Number of calls made to remote APIs, by method.",
		}, []string{"method"}),
		bridged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slackhook",
			Name:      "bridged_messages_total",
			Help:      "Number of messages bridged, by direction.",
		}, []string{"direction"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slackhook",
			Name:      "dropped_messages_total",
			Help:      "Number of messages dropped before bridging, by reason.",
		}, []string{"reason"}),
	}
	m.Registry.MustRegister(m.remoteCalls, m.bridged, m.dropped)
	return m
}

// IncRemoteCall counts one call to a remote API method.
func (m *Metrics) IncRemoteCall(method string) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(method).Inc()
}

// IncBridged counts one bridged message.
func (m *Metrics) IncBridged(direction string) {
	if m == nil {
		return
	}
	m.bridged.WithLabelValues(direction).Inc()
}

// IncDropped counts one dropped message.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
