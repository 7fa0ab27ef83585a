package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manifest-network/ledgersync/internal/client"
	"github.com/manifest-network/ledgersync/internal/config"
	"github.com/manifest-network/ledgersync/internal/metrics"
	"github.com/manifest-network/ledgersync/internal/models"
	"github.com/manifest-network/ledgersync/internal/output"
	"github.com/manifest-network/ledgersync/internal/subscription"
)

var (
	ErrPeerUnreachable    = errors.New("default peer is not reachable")
	ErrNoClient           = errors.New("failed to create ledger client")
	ErrReinitInProgress   = errors.New("reinitialization already in progress")
	ErrNotInitialized     = errors.New("synchronizer is not initialized")
	errHealthCheckRunning = errors.New("health check already in progress")
)

// Notifier receives notifications about state changes. It must not block
// synchronization on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification)
}

// Reconfigurer is implemented by notifiers whose transport settings are
// reloaded at every reinitialization.
type Reconfigurer interface {
	Reconfigure(cfg config.NotifyConfig)
}

// ConfigLoader returns the current configuration. It is called on every
// full reinitialization.
type ConfigLoader func() (config.Config, error)

// ClientFactory builds a ledger client for the selected identity.
type ClientFactory func(cfg config.ClientConfig, opts client.Options) (client.LedgerClient, error)

type timerIntervals struct {
	health time.Duration
	reinit time.Duration
}

type channelState struct {
	mu     sync.Mutex
	height uint64
	loaded bool
}

// Synchronizer keeps the output in sync with every channel of the selected
// ledger client. It owns the reinit and health-check timers and is the only
// component that creates or destroys subscriptions.
type Synchronizer struct {
	loadConfig ConfigLoader
	newClient  ClientFactory
	args       []string
	out        output.OutputHandler
	notifier   Notifier
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	cfg    config.SyncConfig
	client client.LedgerClient
	subs   *subscription.Manager

	statesMu sync.Mutex
	states   map[string]*channelState

	// stored holds the channels whose metadata has been persisted. Only
	// those are subscribed to or synchronized.
	storedMu sync.Mutex
	stored   map[string]bool

	reiniting atomic.Bool
	checking  atomic.Bool
	intervals chan timerIntervals
	wg        sync.WaitGroup
}

// New creates a synchronizer. args select the network and client identity
// the same way config.SelectClient does.
func New(loadConfig ConfigLoader, newClient ClientFactory, args []string, out output.OutputHandler, notifier Notifier, m *metrics.Metrics) *Synchronizer {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Synchronizer{
		loadConfig: loadConfig,
		newClient:  newClient,
		args:       args,
		out:        out,
		notifier:   notifier,
		metrics:    m,
		states:     make(map[string]*channelState),
		stored:     make(map[string]bool),
		intervals:  make(chan timerIntervals, 1),
	}
}

// Run initializes the synchronizer and drives the timers until ctx is done.
// A failure of the first initialization is returned; later failures are
// logged and retried on the next reinit tick.
func (s *Synchronizer) Run(ctx context.Context) error {
	slog.Info("Start sync platform initialization")
	if err := s.Reinitialize(ctx); err != nil {
		s.notifyClientError(ctx, err)
		s.Close()
		return err
	}

	cfg := s.syncConfig()
	current := timerIntervals{health: cfg.HealthInterval(), reinit: cfg.Reinit()}
	reinit := time.NewTicker(current.reinit)
	defer reinit.Stop()
	health := time.NewTicker(current.health)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping synchronizer")
			s.wg.Wait()
			s.Close()
			return nil
		case <-reinit.C:
			slog.Info("Timer ticks to kick off the sync platform reinitialization")
			s.spawn(func() {
				if err := s.Reinitialize(ctx); err != nil {
					if errors.Is(err, ErrReinitInProgress) {
						slog.Warn("Skipping reinitialization tick, previous run has not completed")
						return
					}
					slog.Error("Sync platform reinitialization failed", "error", err)
					s.notifyClientError(ctx, err)
				}
			})
		case <-health.C:
			slog.Info("Timer ticks to validate missing blocks from the client ledger")
			s.spawn(func() {
				if err := s.HealthCheck(ctx); errors.Is(err, errHealthCheckRunning) {
					slog.Warn("Skipping health check tick, previous run has not completed")
				}
			})
		case next := <-s.intervals:
			if next.health != current.health {
				slog.Info("Blocks sync interval updated", "interval", next.health)
				health.Reset(next.health)
			}
			if next.reinit != current.reinit {
				slog.Info("Reinitialization interval updated", "interval", next.reinit)
				reinit.Reset(next.reinit)
			}
			current = next
		}
	}
}

func (s *Synchronizer) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Reinitialize re-reads the configuration, re-selects the client identity,
// rebuilds the ledger client and, when its peer is reachable, resynchronizes
// the channel metadata and restarts every subscription.
func (s *Synchronizer) Reinitialize(ctx context.Context) (err error) {
	if !s.reiniting.CompareAndSwap(false, true) {
		return ErrReinitInProgress
	}
	defer s.reiniting.Store(false)
	defer func() {
		if err != nil {
			s.metrics.Reinits.WithLabelValues("error").Inc()
		} else {
			s.metrics.Reinits.WithLabelValues("ok").Inc()
		}
	}()

	cfg, err := s.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	network, clientName, clientCfg, err := cfg.SelectClient(s.args)
	if err != nil {
		return err
	}
	slog.Info("Sync platform selected", "network", network, "client", clientName)
	if r, ok := s.notifier.(Reconfigurer); ok {
		r.Reconfigure(cfg.Notify)
	}

	interval := cfg.Sync.HealthInterval()
	lc, err := s.newClient(clientCfg, client.Options{
		DiscoveryCacheLife: interval,
		MaxRetries:         cfg.Sync.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoClient, err)
	}

	up, err := lc.PeerStatus(ctx)
	if err != nil || !up {
		_ = lc.Close()
		if err == nil {
			err = errors.New("peer is not serving")
		}
		return fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, lc.DefaultPeer().Address, err)
	}

	slog.Info("Updating the client network and other details to DB")
	if err := s.syncNetworkConfig(ctx, lc); err != nil {
		_ = lc.Close()
		return err
	}

	subs := subscription.NewManager(ctx, lc, subscription.Options{
		SettleDelay: cfg.Sync.Settle(),
		QueueSize:   cfg.Sync.QueueSize,
		OnBlock:     s.handleBlock,
		OnSettle:    s.syncChannel,
		Metrics:     s.metrics,
		Ready:       s.isStored,
	})

	s.mu.Lock()
	oldClient, oldSubs := s.client, s.subs
	s.cfg = cfg.Sync
	s.client = lc
	s.subs = subs
	s.mu.Unlock()

	if oldSubs != nil {
		oldSubs.DisconnectAll()
	}
	if oldClient != nil {
		_ = oldClient.Close()
	}

	s.repairMissingBlocks(ctx, lc)

	slog.Info("Start channel subscriptions")
	if err := subs.Initialize(ctx); err != nil {
		slog.Warn("Some channel subscriptions failed to connect, retrying on next health check", "error", err)
	}

	s.publishIntervals(timerIntervals{health: interval, reinit: cfg.Sync.Reinit()})
	return nil
}

// publishIntervals hands the latest timer intervals to Run, replacing any
// value Run has not consumed yet.
func (s *Synchronizer) publishIntervals(iv timerIntervals) {
	select {
	case <-s.intervals:
	default:
	}
	select {
	case s.intervals <- iv:
	default:
	}
}

// Close tears down every subscription and the ledger client.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	lc, subs := s.client, s.subs
	s.client, s.subs = nil, nil
	s.mu.Unlock()

	if subs != nil {
		subs.DisconnectAll()
	}
	if lc != nil {
		_ = lc.Close()
	}
}

func (s *Synchronizer) current() (client.LedgerClient, *subscription.Manager) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.subs
}

func (s *Synchronizer) syncConfig() config.SyncConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Synchronizer) state(channel string) *channelState {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	st, ok := s.states[channel]
	if !ok {
		st = &channelState{}
		s.states[channel] = st
	}
	return st
}

func (s *Synchronizer) isStored(channel string) bool {
	s.storedMu.Lock()
	defer s.storedMu.Unlock()
	return s.stored[channel]
}

func (s *Synchronizer) markStored(channel string) {
	s.storedMu.Lock()
	s.stored[channel] = true
	s.storedMu.Unlock()
}

// Height returns the latest synchronized block number of the channel.
func (s *Synchronizer) Height(channel string) uint64 {
	st := s.state(channel)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.height
}

func (s *Synchronizer) notify(ctx context.Context, n *models.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, n)
}

func (s *Synchronizer) notifyClientError(ctx context.Context, err error) {
	s.notify(ctx, &models.Notification{Type: models.NotifyClientError, Error: err.Error()})
}
