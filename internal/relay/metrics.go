package relay

import "github.com/mossy-p/collab-relay/internal/metrics"

const (
	subsystem = "relay"
	kindLabel = "kind"
)

// Message results.
const (
	resultRouted   = "routed"
	resultRejected = "rejected"
	resultDropped  = "dropped"
	resultLimited  = "limited"
	resultBadFrame = "bad_frame"
)

var (
	connectionsGauge = metrics.NewGauge(
		"connections",
		subsystem,
		"open websocket connections",
		[]string{},
	)
	roomsGauge = metrics.NewGauge(
		"rooms",
		subsystem,
		"live rooms by kind",
		[]string{kindLabel},
	)
	messagesCounter = metrics.NewCounter(
		"messages",
		subsystem,
		"inbound messages by kind and result",
		[]string{kindLabel, "result"},
	)
	sendDrops = metrics.NewCounter(
		"send_drops",
		subsystem,
		"outbound messages dropped because a client send buffer was full",
		[]string{},
	)
)

func countMessage(kind, result string) {
	messagesCounter.WithLabelValues(kind, result).Inc()
}
