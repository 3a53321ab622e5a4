package monitoring

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	joinOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_join_outcomes_total",
			Help: "Join results by outcome",
		},
		[]string{"outcome"},
	)

	promotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_promotions_total",
			Help: "WAITING entries promoted to OFFERED",
		},
	)

	expirations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_expirations_total",
			Help: "Entries expired, by trigger source",
		},
		[]string{"source"},
	)

	purchases = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_purchases_total",
			Help: "Offers converted into committed tickets",
		},
	)

	sweepBatches = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waitlist_sweep_batch_size",
			Help:    "Stale offers found per sweep run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	waitingEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "waitlist_waiting_entries",
			Help: "Current WAITING entries per ticket type",
		},
		[]string{"ticket_type_id"},
	)

	offeredEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "waitlist_offered_entries",
			Help: "Current OFFERED entries per ticket type",
		},
		[]string{"ticket_type_id"},
	)
)

// StateCounter is implemented by the store so the collector can read
// current entry counts without importing it.
type StateCounter interface {
	EntryStateCounts() (waiting, offered map[string]int, err error)
}

type Monitor struct {
	counter StateCounter
	stop    chan struct{}
}

func NewMonitor(counter StateCounter) *Monitor {
	m := &Monitor{counter: counter, stop: make(chan struct{})}
	go m.collect()
	return m
}

func (m *Monitor) collect() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			waiting, offered, err := m.counter.EntryStateCounts()
			if err != nil {
				slog.Error("metrics collection failed", "error", err)
				continue
			}
			waitingEntries.Reset()
			for tt, n := range waiting {
				waitingEntries.WithLabelValues(tt).Set(float64(n))
			}
			offeredEntries.Reset()
			for tt, n := range offered {
				offeredEntries.WithLabelValues(tt).Set(float64(n))
			}
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) Stop() { close(m.stop) }

func (m *Monitor) TrackJoin(outcome string) {
	joinOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Monitor) TrackPromotions(n int) {
	promotions.Add(float64(n))
}

func (m *Monitor) TrackExpiration(source string) {
	expirations.WithLabelValues(source).Inc()
}

func (m *Monitor) TrackPurchase() {
	purchases.Inc()
}

func (m *Monitor) TrackSweepBatch(size int) {
	sweepBatches.Observe(float64(size))
}
