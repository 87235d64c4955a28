package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opsdeck_feed_connection_state",
		Help: "1 for the current state of the event feed connection, 0 otherwise",
	}, []string{"state"})

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdeck_feed_reconnects_total",
		Help: "Reconnect attempts grouped by outcome (scheduled, exhausted)",
	}, []string{"outcome"})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdeck_feed_frames_total",
		Help: "Inbound frames grouped by disposition (dispatched, malformed, invalid)",
	}, []string{"disposition"})

	handlerPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsdeck_feed_handler_panics_total",
		Help: "Subscriber handlers that panicked during dispatch",
	})

	relayTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdeck_relay_messages_total",
		Help: "Events republished by the relay grouped by status",
	}, []string{"status"})

	probeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdeck_chat_probe_total",
		Help: "Endpoint probe results grouped by backend status",
	}, []string{"status"})

	chatSendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdeck_chat_sends_total",
		Help: "Chat sends grouped by mode and outcome",
	}, []string{"mode", "outcome"})
)

var knownStates = []string{"disconnected", "connecting", "open", "closing"}

// SetConnState marks state as the current connection state.
func SetConnState(state string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connState.WithLabelValues(s).Set(v)
	}
}

func ObserveReconnect(outcome string) {
	reconnectsTotal.WithLabelValues(outcome).Inc()
}

func ObserveFrame(disposition string) {
	framesTotal.WithLabelValues(disposition).Inc()
}

func ObserveHandlerPanic() {
	handlerPanicsTotal.Inc()
}

func ObserveRelay(status string) {
	relayTotal.WithLabelValues(status).Inc()
}

func ObserveProbe(status string) {
	if status == "" {
		status = "unknown"
	}
	probeTotal.WithLabelValues(status).Inc()
}

// ObserveChatSend records the mode (backend, local) and outcome (ok, fallback, canceled) of a send.
func ObserveChatSend(mode, outcome string) {
	chatSendsTotal.WithLabelValues(mode, outcome).Inc()
}
