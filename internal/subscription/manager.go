package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manifest-network/ledgersync/internal/client"
	"github.com/manifest-network/ledgersync/internal/metrics"
	"github.com/manifest-network/ledgersync/internal/models"
)

var ErrClosed = errors.New("subscription manager is closed")

// State is the connection state of a channel subscription.
type State int

const (
	Unsubscribed State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// BlockHandler consumes pushed blocks. Calls for one channel are serialized
// and arrive in the order the ledger delivered them.
type BlockHandler func(ctx context.Context, channel string, block *models.Block)

// SettleHandler runs once, SettleDelay after a successful connect, while the
// subscription is still connected.
type SettleHandler func(ctx context.Context, channel string)

type Options struct {
	SettleDelay time.Duration
	QueueSize   int
	OnBlock     BlockHandler
	OnSettle    SettleHandler
	Metrics     *metrics.Metrics
	// Ready reports whether Initialize may subscribe to the channel.
	// Nil admits every channel.
	Ready       func(channel string) bool
}

type subscription struct {
	channel string
	handle  client.Subscription
	queue   chan *models.Block
	done    chan struct{}

	mu     sync.Mutex
	state  State
	settle *time.Timer
}

func (s *subscription) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *subscription) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Manager owns one block event subscription per channel.
type Manager struct {
	client client.LedgerClient
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewManager creates a manager for lc. Consumers run until DisconnectAll or
// until ctx is done.
func NewManager(ctx context.Context, lc client.LedgerClient, opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		client: lc,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
}

// Initialize creates a subscription for every ready channel known to the
// client. Channels that already have one are left untouched.
func (m *Manager) Initialize(ctx context.Context) error {
	var firstErr error
	for _, name := range m.client.Channels() {
		if m.opts.Ready != nil && !m.opts.Ready(name) {
			slog.Warn("Channel not ready, subscription deferred", "channel", name)
			continue
		}
		if err := m.CreateSubscription(ctx, name); err != nil {
			slog.Error("Failed to create subscription", "channel", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CreateSubscription subscribes to the channel's block events and connects.
// It is a no-op when the channel already has a subscription.
func (m *Manager) CreateSubscription(ctx context.Context, channel string) error {
	m.mu.Lock()
	if _, ok := m.subs[channel]; ok {
		m.mu.Unlock()
		return nil
	}
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return ErrClosed
	}

	slog.Info("Creating channel subscription", "channel", channel)
	sub := &subscription{
		channel: channel,
		queue:   make(chan *models.Block, m.opts.QueueSize),
		done:    make(chan struct{}),
	}
	handle, err := m.client.Subscribe(channel,
		func(block *models.Block) { m.enqueue(sub, block) },
		func(err error) { m.onError(sub, err) },
	)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}
	sub.handle = handle
	m.subs[channel] = sub
	m.setState(sub, Connecting)

	m.wg.Add(1)
	go m.consume(sub)
	m.mu.Unlock()

	return m.connect(ctx, sub)
}

// Connect (re)connects the channel's subscription. A channel without a
// subscription gets one created instead.
func (m *Manager) Connect(ctx context.Context, channel string) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	sub := m.get(channel)
	if sub == nil {
		return m.CreateSubscription(ctx, channel)
	}
	m.opts.Metrics.Reconnects.WithLabelValues(channel).Inc()
	return m.connect(ctx, sub)
}

func (m *Manager) connect(ctx context.Context, sub *subscription) error {
	log := slog.With("channel", sub.channel)
	log.Info("Connecting channel subscription")
	m.setState(sub, Connecting)

	if err := sub.handle.Connect(ctx); err != nil {
		m.setState(sub, Disconnected)
		log.Error("Failed to connect channel subscription", "error", err)
		return fmt.Errorf("failed to connect channel %s: %w", sub.channel, err)
	}
	if m.get(sub.channel) != sub {
		// Torn down while connecting.
		_ = sub.handle.Disconnect()
		return ErrClosed
	}
	m.setState(sub, Connected)
	log.Info("Channel subscription connected", "settleDelay", m.opts.SettleDelay)

	sub.mu.Lock()
	if sub.settle != nil {
		sub.settle.Stop()
	}
	sub.settle = time.AfterFunc(m.opts.SettleDelay, func() {
		if m.ctx.Err() != nil || m.get(sub.channel) != sub || !sub.handle.IsConnected() {
			return
		}
		log.Info("Start synchronizing blocks after connect")
		if m.opts.OnSettle != nil {
			m.opts.OnSettle(m.ctx, sub.channel)
		}
	})
	sub.mu.Unlock()
	return nil
}

// IsConnected reports whether the channel's subscription is live.
func (m *Manager) IsConnected(channel string) bool {
	sub := m.get(channel)
	if sub == nil {
		return false
	}
	connected := sub.handle.IsConnected()
	if !connected && sub.getState() == Connected {
		m.setState(sub, Disconnected)
	}
	return connected
}

// State returns the channel's subscription state.
func (m *Manager) State(channel string) State {
	sub := m.get(channel)
	if sub == nil {
		return Unsubscribed
	}
	return sub.getState()
}

// Channels returns the channels with a subscription.
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.subs))
	for name := range m.subs {
		names = append(names, name)
	}
	return names
}

// Disconnect tears down the channel's subscription.
func (m *Manager) Disconnect(channel string) error {
	m.mu.Lock()
	sub, ok := m.subs[channel]
	if ok {
		delete(m.subs, channel)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.teardown(sub)
}

// DisconnectAll tears down every subscription and waits for the consumers
// to stop. The manager cannot be reused afterwards.
func (m *Manager) DisconnectAll() {
	m.cancel()

	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		if err := m.teardown(sub); err != nil {
			slog.Warn("Failed to disconnect channel subscription", "channel", sub.channel, "error", err)
		}
	}
	m.wg.Wait()
}

func (m *Manager) teardown(sub *subscription) error {
	slog.Info("Disconnecting channel subscription", "channel", sub.channel)
	sub.mu.Lock()
	if sub.settle != nil {
		sub.settle.Stop()
	}
	sub.mu.Unlock()

	close(sub.done)
	err := sub.handle.Disconnect()
	m.setState(sub, Unsubscribed)
	return err
}

func (m *Manager) get(channel string) *subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subs[channel]
}

func (m *Manager) setState(sub *subscription, st State) {
	sub.setState(st)
	m.opts.Metrics.SubscriptionState.WithLabelValues(sub.channel).Set(float64(st))
}

// enqueue runs on the transport's delivery goroutine. A full queue blocks
// delivery until the consumer catches up.
func (m *Manager) enqueue(sub *subscription, block *models.Block) {
	slog.Debug("A new block received", "channel", sub.channel, "number", block.Number)
	if block.Number == 0 {
		// The genesis block is stored when the channel is created.
		return
	}
	select {
	case sub.queue <- block:
	case <-sub.done:
	}
}

func (m *Manager) onError(sub *subscription, err error) {
	slog.Error("Block event error", "channel", sub.channel, "error", err)
	if sub.getState() != Unsubscribed && !sub.handle.IsConnected() {
		m.setState(sub, Disconnected)
	}
}

func (m *Manager) consume(sub *subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case <-m.ctx.Done():
			return
		case block := <-sub.queue:
			if m.opts.OnBlock != nil {
				m.opts.OnBlock(m.ctx, sub.channel, block)
			}
		}
	}
}
