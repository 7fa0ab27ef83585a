package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/manifest-network/ledgersync/internal/config"
	"github.com/manifest-network/ledgersync/internal/metrics"
	"github.com/manifest-network/ledgersync/internal/models"
)

// TopicNotification is the in-process topic listeners subscribe to.
const TopicNotification = "ledgersync:notification"

// Listener receives every dispatched notification.
type Listener func(n *models.Notification)

// Dispatcher forwards notifications to in-process listeners and sends
// transaction status updates to the notification transport.
type Dispatcher struct {
	bus      evbus.Bus
	cache    *AddressCache
	producer ProducerFactory
	metrics  *metrics.Metrics
	timeout  time.Duration

	mu  sync.RWMutex
	cfg config.NotifyConfig
}

// NewDispatcher creates a dispatcher. A nil producer factory disables the
// transport; listeners still receive notifications.
func NewDispatcher(cfg config.NotifyConfig, cache *AddressCache, producer ProducerFactory, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Dispatcher{
		bus:      evbus.New(),
		cache:    cache,
		producer: producer,
		cfg:      cfg,
		metrics:  m,
		timeout:  10 * time.Second,
	}
}

// Subscribe registers a listener. Listeners run synchronously in Notify.
func (d *Dispatcher) Subscribe(l Listener) error {
	return d.bus.Subscribe(TopicNotification, l)
}

// Reconfigure replaces the transport settings used by later sends. The
// address cache keeps the TTL it was created with.
func (d *Dispatcher) Reconfigure(cfg config.NotifyConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.NameServer != d.cfg.NameServer {
		slog.Info("Notification transport endpoint changed", "from", d.cfg.NameServer, "to", cfg.NameServer)
	}
	d.cfg = cfg
}

func (d *Dispatcher) config() config.NotifyConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Notify dispatches n. It never returns an error: delivery is best effort.
func (d *Dispatcher) Notify(ctx context.Context, n *models.Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	d.bus.Publish(TopicNotification, n)

	if n.Type != models.NotifyTransaction || n.Tx == nil {
		d.metrics.Notifications.WithLabelValues(n.Type.String(), "ok").Inc()
		return
	}

	slog.Debug("A new transaction status update notify received", "txhash", n.Tx.TxHash)
	if err := d.sendTxMessage(ctx, n.Tx); err != nil {
		d.metrics.Notifications.WithLabelValues(n.Type.String(), "error").Inc()
		slog.Error("Failed to send transaction message", "txhash", n.Tx.TxHash, "error", err)
		return
	}
	d.metrics.Notifications.WithLabelValues(n.Type.String(), "ok").Inc()
}

func (d *Dispatcher) sendTxMessage(ctx context.Context, tx *models.TxStatus) error {
	cfg := d.config()
	if d.producer == nil || cfg.NameServer == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	endpoint, err := d.cache.Resolve(ctx, cfg.NameServer)
	if err != nil {
		return err
	}

	body, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	producer, err := d.producer(ctx, endpoint, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := producer.Close(); cerr != nil {
			slog.Warn("Producer shutdown error", "error", cerr)
		}
	}()

	slog.Debug("Sending transaction message", "endpoint", endpoint, "topic", cfg.Topic, "body", string(body))
	return producer.Send(ctx, cfg.Topic, cfg.Tag, body)
}
