// Package metrics provides Prometheus metrics for call signaling.
// Labels are bounded enums only: no call ids or user ids.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CallsTotal counts calls reaching a status, by status.
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsig_calls_total",
		Help: "Total number of call status transitions, by resulting status.",
	}, []string{"status"})

	// SignalsTotal counts accepted inbound and outbound signals.
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsig_signals_total",
		Help: "Total number of call signals handled, by kind and channel.",
	}, []string{"kind", "channel"})

	// SignalsDroppedTotal counts inbound signals discarded before the state machine.
	SignalsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsig_signals_dropped_total",
		Help: "Total number of inbound call signals dropped, by reason.",
	}, []string{"reason"})

	// ActiveCalls is 1 while the client holds an active call. On the relay it
	// counts calls between pending and terminal.
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callsig_active_calls",
		Help: "Current number of active calls.",
	})

	// RelayConnections tracks authenticated relay websocket connections.
	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callsig_relay_connections",
		Help: "Current number of authenticated relay connections.",
	})

	// RelayMessagesTotal counts messages routed by the relay, by topic and result.
	RelayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsig_relay_messages_total",
		Help: "Total number of relay messages, by topic and result (routed/offline/limited/rejected).",
	}, []string{"topic", "result"})
)

// Drop reasons.
const (
	DropMalformed = "malformed"
	DropSelf      = "self"
	DropDuplicate = "duplicate"
	DropOpenConv  = "open_conversation"
)

// RecordCall increments the call counter for status.
func RecordCall(status string) {
	CallsTotal.WithLabelValues(status).Inc()
}

// RecordSignal increments the signal counter.
func RecordSignal(kind, channel string) {
	SignalsTotal.WithLabelValues(kind, channel).Inc()
}

// RecordDrop increments the dropped-signal counter.
func RecordDrop(reason string) {
	SignalsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordRelay increments the relay message counter.
func RecordRelay(topic, result string) {
	RelayMessagesTotal.WithLabelValues(topic, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
