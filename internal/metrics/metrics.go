package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ledgersync"

// Metrics holds the synchronizer's collectors.
type Metrics struct {
	BlocksPersisted   *prometheus.CounterVec
	BlocksDuplicate   *prometheus.CounterVec
	ChannelHeight     *prometheus.GaugeVec
	CatchUps          *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	SubscriptionState *prometheus.GaugeVec
	Notifications     *prometheus.CounterVec
	Reinits           *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlocksPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_persisted_total",
			Help:      "Blocks written to the output.",
		}, []string{"channel"}),
		BlocksDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_duplicate_total",
			Help:      "Blocks skipped because they were already stored.",
		}, []string{"channel"}),
		ChannelHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_height",
			Help:      "Latest synchronized block number.",
		}, []string{"channel"}),
		CatchUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catchups_total",
			Help:      "Catch-up passes that pulled at least one block.",
		}, []string{"channel"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Subscription reconnect attempts.",
		}, []string{"channel"}),
		SubscriptionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscription_state",
			Help:      "Subscription state per channel (0 unsubscribed, 1 connecting, 2 connected, 3 disconnected).",
		}, []string{"channel"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications dispatched by type and result.",
		}, []string{"type", "result"}),
		Reinits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reinits_total",
			Help:      "Full reinitialization runs by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.BlocksPersisted,
			m.BlocksDuplicate,
			m.ChannelHeight,
			m.CatchUps,
			m.Reconnects,
			m.SubscriptionState,
			m.Notifications,
			m.Reinits,
		)
	}
	return m
}

// NewNop returns unregistered collectors, for tests and tools.
func NewNop() *Metrics {
	return New(nil)
}
