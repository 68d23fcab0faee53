package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"kalefi/core/types"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kalefi",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed ledger events segmented by type and asset.",
			}, []string{"type", "asset"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Record increments the counter for each committed event.
func (m *eventMetrics) Record(evts []*types.Event) {
	if m == nil {
		return
	}
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		asset := strings.TrimSpace(strings.ToUpper(evt.Attributes["asset"]))
		if asset == "" {
			asset = "NONE"
		}
		m.emitted.WithLabelValues(evt.Type, asset).Inc()
	}
}
