package backend

import "github.com/prometheus/client_golang/prometheus"

var (
	feedBacklogged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pelusa",
		Subsystem: "feed",
		Name:      "backlogged_total",
		Help:      "Changes queued while a subscriber was more than its buffer behind.",
	}, []string{"table"})

	feedPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pelusa",
		Subsystem: "feed",
		Name:      "publish_failures_total",
		Help:      "Changes that could not be published after a successful write.",
	}, []string{"table"})
)

func init() {
	prometheus.MustRegister(feedBacklogged, feedPublishFailures)
}
