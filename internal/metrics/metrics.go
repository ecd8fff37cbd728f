package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RefreshExchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_refresh_exchanges_total",
		Help: "Refresh-token exchanges issued, by outcome (ok, rejected, failed, skipped, discarded).",
	}, []string{"outcome"})

	QueuedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_gateway_queued_total",
		Help: "Requests queued behind a token refresh after a 401.",
	})
	ReplayedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_gateway_replayed_total",
		Help: "Queued requests resolved after a refresh, by result (replayed, rejected).",
	}, []string{"result"})

	RealtimeState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "launchpad_realtime_state",
		Help: "Realtime connection state (0 disconnected, 1 connecting, 2 connected).",
	})
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_realtime_reconnect_attempts_total",
		Help: "Reconnect dials issued after a transport failure.",
	})
	FramesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_realtime_frames_in_total",
		Help: "Inbound realtime frames by event.",
	}, []string{"event"})
	FramesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_realtime_frames_out_total",
		Help: "Outbound realtime frames by event.",
	}, []string{"event"})
	DroppedEmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_realtime_dropped_emits_total",
		Help: "Emits dropped because the channel was not connected or the queue was full.",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "launchpad_presence_online_users",
		Help: "Peers currently in the presence set.",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_chat_messages_sent_total",
		Help: "Messages sent optimistically from this client.",
	})
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_chat_messages_received_total",
		Help: "Inbound messages for an open conversation, by merge result (appended, confirmed, duplicate).",
	}, []string{"result"})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RefreshExchanges,
			QueuedRequests, ReplayedRequests,
			RealtimeState, ReconnectAttempts, FramesIn, FramesOut, DroppedEmits,
			OnlineUsers,
			MessagesSent, MessagesReceived,
		)
	})
}
