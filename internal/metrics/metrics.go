package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process counters the sync core maintains.
type Metrics struct {
	RealtimeFallbacks prometheus.Counter
	PollTicks         prometheus.Counter
	EventsApplied     prometheus.Counter
	TypingSignals     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RealtimeFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_realtime_fallbacks_total",
			Help: "Times a realtime subscription degraded to polling.",
		}),
		PollTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_poll_ticks_total",
			Help: "Polling fetches executed in degraded mode.",
		}),
		EventsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_events_applied_total",
			Help: "Realtime insert/update events applied to message state.",
		}),
		TypingSignals: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_typing_signals_total",
			Help: "Typing broadcasts published.",
		}),
	}
}

// NewNop returns metrics bound to a throwaway registry. Used in tests
// and by callers that do not expose a scrape endpoint.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
