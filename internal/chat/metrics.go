package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	liveEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pelusa",
		Subsystem: "live",
		Name:      "events_total",
		Help:      "Live message events by outcome (accepted, counterpart_mismatch, duplicate, stale, resync).",
	}, []string{"outcome"})

	duplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pelusa",
		Subsystem: "store",
		Name:      "duplicates_total",
		Help:      "Messages dropped by id de-duplication.",
	}, []string{"where"})

	subscribeAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pelusa",
		Subsystem: "live",
		Name:      "subscribe_attempts_total",
		Help:      "Subscription establishment attempts by result.",
	}, []string{"result"})

	historyLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pelusa",
		Subsystem: "history",
		Name:      "loads_total",
		Help:      "History loads by outcome (ok, partial, failed, superseded, resync).",
	}, []string{"outcome"})

	sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pelusa",
		Subsystem: "session",
		Name:      "sends_total",
		Help:      "Message sends by kind and result.",
	}, []string{"kind", "result"})
)

func init() {
	prometheus.MustRegister(liveEvents, duplicates, subscribeAttempts, historyLoads, sends)
}
