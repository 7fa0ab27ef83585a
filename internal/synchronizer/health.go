package synchronizer

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/manifest-network/ledgersync/internal/client"
	"github.com/manifest-network/ledgersync/internal/models"
	"github.com/manifest-network/ledgersync/internal/subscription"
)

// HealthCheck discovers new channels, then for every known channel either
// catches up (subscription connected) or reconnects (subscription lost).
// Failures are isolated per channel.
func (s *Synchronizer) HealthCheck(ctx context.Context) error {
	if !s.checking.CompareAndSwap(false, true) {
		return errHealthCheckRunning
	}
	defer s.checking.Store(false)

	lc, subs := s.current()
	if lc == nil {
		return ErrNotInitialized
	}

	discovered, err := s.discover(ctx, lc, subs)
	if err != nil {
		slog.Error("Channel discovery failed, skipping for this cycle", "error", err)
	}
	skip := make(map[string]bool, len(discovered))
	for _, name := range discovered {
		skip[name] = true
	}

	maxConcurrency := s.syncConfig().MaxConcurrency
	if maxConcurrency == 0 {
		maxConcurrency = 1
	}
	var eg errgroup.Group
	sem := make(chan struct{}, maxConcurrency)

	for _, name := range lc.Channels() {
		if skip[name] {
			continue
		}
		if !s.isStored(name) {
			slog.Warn("Channel metadata not stored, skipping until discovery succeeds", "channel", name)
			continue
		}
		if ctx.Err() != nil {
			break
		}

		channel := name
		sem <- struct{}{}
		eg.Go(func() error {
			defer func() { <-sem }()

			var err error
			if subs.IsConnected(channel) {
				slog.Debug("Channel client is connected, synchronizing channel blocks", "channel", channel)
				err = s.catchUp(ctx, lc, channel)
			} else {
				slog.Info("Channel client is not connected, reconnecting now", "channel", channel)
				err = subs.Connect(ctx, channel)
			}
			if err != nil {
				slog.Error("Channel health check failed", "channel", channel, "error", err)
			}
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("health check finished with errors: %w", err)
	}
	return ctx.Err()
}

// discover initializes channels the peer has joined but the client does not
// know yet, stores their metadata and subscribes to them. Initialized
// channels whose metadata could not be stored earlier are retried. It
// returns the channels subscribed in this pass.
func (s *Synchronizer) discover(ctx context.Context, lc client.LedgerClient, subs *subscription.Manager) ([]string, error) {
	refs, err := lc.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	known := make(map[string]bool)
	for _, name := range lc.Channels() {
		known[name] = true
	}

	var discovered []string
	for _, ref := range refs {
		log := slog.With("channel", ref.Name)
		switch {
		case !known[ref.Name]:
			log.Info("Discovered new channel")
			if err := lc.InitializeChannel(ctx, ref.Name); err != nil {
				log.Error("Failed to initialize channel", "error", err)
				continue
			}
		case s.isStored(ref.Name):
			continue
		default:
			log.Info("Retrying channel metadata sync")
		}

		if err := s.saveChannel(ctx, lc, ref.Name); err != nil {
			log.Error("Failed to store channel, subscription deferred", "error", err)
			continue
		}
		discovered = append(discovered, ref.Name)
		if err := subs.CreateSubscription(ctx, ref.Name); err != nil {
			log.Error("Failed to subscribe to new channel", "error", err)
		}
	}
	return discovered, nil
}

// syncNetworkConfig initializes every channel the peer has joined and stores
// its metadata.
func (s *Synchronizer) syncNetworkConfig(ctx context.Context, lc client.LedgerClient) error {
	refs, err := lc.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}

	for _, ref := range refs {
		if _, ok := lc.Channel(ref.Name); !ok {
			if err := lc.InitializeChannel(ctx, ref.Name); err != nil {
				slog.Error("Failed to initialize channel", "channel", ref.Name, "error", err)
				continue
			}
		}
		if err := s.saveChannel(ctx, lc, ref.Name); err != nil {
			slog.Error("Failed to store channel", "channel", ref.Name, "error", err)
		}
	}
	return nil
}

func (s *Synchronizer) saveChannel(ctx context.Context, lc client.LedgerClient, name string) error {
	ch, ok := lc.Channel(name)
	if !ok {
		return fmt.Errorf("%w: %s", client.ErrUnknownChannel, name)
	}

	exists, err := s.out.ChannelExists(ctx, name)
	if err != nil {
		return err
	}
	if err := s.out.UpsertChannel(ctx, ch); err != nil {
		return err
	}
	s.markStored(name)

	typ := models.NotifyExistChannel
	if !exists {
		typ = models.NotifyNewChannel
		slog.Info("Stored new channel", "channel", name, "height", ch.Height)
	}
	s.notify(ctx, &models.Notification{Type: typ, Channel: name})
	return nil
}

// syncChannel runs the catch-up pass scheduled after a subscription connects.
func (s *Synchronizer) syncChannel(ctx context.Context, channel string) {
	lc, subs := s.current()
	if lc == nil || subs == nil || !subs.IsConnected(channel) {
		return
	}
	if err := s.catchUp(ctx, lc, channel); err != nil {
		slog.Error("Failed to synchronize channel blocks", "channel", channel, "error", err)
	}
}
