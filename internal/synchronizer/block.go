package synchronizer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/schollz/progressbar/v3"

	"github.com/manifest-network/ledgersync/internal/client"
	"github.com/manifest-network/ledgersync/internal/models"
	"github.com/manifest-network/ledgersync/internal/utils"
)

// handleBlock ingests a pushed block. Whether a block at or below the
// synchronized height is a duplicate is decided by the output; a gap above
// it is pulled first so that new blocks are written in ascending order.
func (s *Synchronizer) handleBlock(ctx context.Context, channel string, block *models.Block) {
	lc, _ := s.current()
	if lc == nil {
		return
	}
	log := slog.With("channel", channel, "number", block.Number)

	st := s.state(channel)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.loadHeightLocked(ctx, channel, st); err != nil {
		log.Error("Failed to load synchronized height", "error", err)
		return
	}
	if block.Number > st.height+1 {
		log.Info("Block gap detected, catching up", "height", st.height)
		if err := s.pullLocked(ctx, lc, channel, st, block.Number-1); err != nil {
			log.Error("Failed to catch up before pushed block", "error", err)
			return
		}
	}
	if err := s.persistLocked(ctx, channel, st, block); err != nil {
		log.Error("Failed to process block event", "error", err)
	}
}

// catchUp pulls every block between the synchronized height and the
// channel's current ledger height.
func (s *Synchronizer) catchUp(ctx context.Context, lc client.LedgerClient, channel string) error {
	st := s.state(channel)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.loadHeightLocked(ctx, channel, st); err != nil {
		return err
	}
	target, err := lc.ChannelHeight(ctx, channel)
	if err != nil {
		return err
	}
	if target <= st.height {
		return nil
	}

	slog.Info("Catch-up triggered", "channel", channel, "range", fmt.Sprintf("[%d, %d]", st.height+1, target))
	s.metrics.CatchUps.WithLabelValues(channel).Inc()
	return s.pullLocked(ctx, lc, channel, st, target)
}

// pullLocked fetches and persists blocks height+1..target in order. The
// channel lock must be held.
func (s *Synchronizer) pullLocked(ctx context.Context, lc client.LedgerClient, channel string, st *channelState, target uint64) error {
	cfg := s.syncConfig()

	var bar *progressbar.ProgressBar
	if cfg.Progress && target > st.height+1 {
		bar = progressbar.NewOptions64(
			int64(target-st.height),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetDescription("Synchronizing "+channel+"..."),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
		defer func() {
			if err := bar.Finish(); err != nil {
				slog.Warn("Failed to finish progress bar", "error", err)
			}
		}()
	}

	for number := st.height + 1; number <= target; number++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		block, err := s.fetchBlock(ctx, lc, channel, number, cfg.MaxRetries)
		if err != nil {
			return err
		}
		if err := s.persistLocked(ctx, channel, st, block); err != nil {
			return err
		}

		if bar != nil {
			if err := bar.Add(1); err != nil {
				slog.Warn("Failed to update progress bar", "error", err)
			}
		}
	}
	return nil
}

func (s *Synchronizer) fetchBlock(ctx context.Context, lc client.LedgerClient, channel string, number uint64, maxRetries uint) (*models.Block, error) {
	var block *models.Block
	err := utils.Retry(ctx, maxRetries, fmt.Sprintf("get block %d", number), func(ctx context.Context) error {
		var err error
		block, err = lc.GetBlock(ctx, channel, number)
		return err
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// persistLocked writes a block unless the output already has it, then
// dispatches the notifications derived from it. The channel lock must be held.
func (s *Synchronizer) persistLocked(ctx context.Context, channel string, st *channelState, block *models.Block) error {
	exists, err := s.out.BlockExists(ctx, channel, block.Number)
	if err != nil {
		return err
	}
	if exists {
		s.metrics.BlocksDuplicate.WithLabelValues(channel).Inc()
		s.advanceLocked(channel, st, block.Number)
		return nil
	}

	if err := s.out.WriteBlockWithTransactions(ctx, channel, block); err != nil {
		return fmt.Errorf("failed to write block %d: %w", block.Number, err)
	}
	s.metrics.BlocksPersisted.WithLabelValues(channel).Inc()
	s.advanceLocked(channel, st, block.Number)
	slog.Debug("Block persisted", "channel", channel, "number", block.Number, "txs", len(block.Transactions))

	s.notifyBlock(ctx, channel, block)
	return nil
}

func (s *Synchronizer) advanceLocked(channel string, st *channelState, number uint64) {
	if number > st.height {
		st.height = number
		s.metrics.ChannelHeight.WithLabelValues(channel).Set(float64(number))
	}
}

func (s *Synchronizer) loadHeightLocked(ctx context.Context, channel string, st *channelState) error {
	if st.loaded {
		return nil
	}
	latest, err := s.out.GetLatestBlock(ctx, channel)
	if err != nil {
		return err
	}
	if latest != nil {
		st.height = latest.Number
		s.metrics.ChannelHeight.WithLabelValues(channel).Set(float64(latest.Number))
	}
	st.loaded = true
	return nil
}

func (s *Synchronizer) notifyBlock(ctx context.Context, channel string, block *models.Block) {
	s.notify(ctx, &models.Notification{
		Type:    models.NotifyBlock,
		Channel: channel,
		Block: &models.BlockNotice{
			Number:  block.Number,
			Hash:    block.Hash,
			TxCount: len(block.Transactions),
		},
	})
	if block.IsConfig() {
		s.notify(ctx, &models.Notification{Type: models.NotifyUpdateChannel, Channel: channel})
	}
	for _, tx := range block.Transactions {
		if tx.Chaincode == models.LifecycleChaincode {
			s.notify(ctx, &models.Notification{Type: models.NotifyChaincode, Channel: channel, Chaincode: tx.Chaincode})
		}
		s.notify(ctx, &models.Notification{
			Type:    models.NotifyTransaction,
			Channel: channel,
			Tx: &models.TxStatus{
				TxHash:           tx.Hash,
				ValidationStatus: tx.ValidationStatus,
				ValidationCode:   tx.ValidationCode,
			},
		})
	}
}

// repairMissingBlocks refills holes below each channel's latest stored block.
func (s *Synchronizer) repairMissingBlocks(ctx context.Context, lc client.LedgerClient) {
	maxRetries := s.syncConfig().MaxRetries
	for _, channel := range lc.Channels() {
		ids, err := s.out.GetMissingBlockIds(ctx, channel)
		if err != nil {
			slog.Error("Failed to get missing block IDs", "channel", channel, "error", err)
			continue
		}
		if len(ids) == 0 {
			continue
		}
		slog.Warn("Missing blocks detected", "channel", channel, "count", len(ids))

		st := s.state(channel)
		st.mu.Lock()
		if err := s.loadHeightLocked(ctx, channel, st); err != nil {
			st.mu.Unlock()
			slog.Error("Failed to load synchronized height", "channel", channel, "error", err)
			continue
		}
		for _, id := range ids {
			block, err := s.fetchBlock(ctx, lc, channel, id, maxRetries)
			if err == nil {
				err = s.persistLocked(ctx, channel, st, block)
			}
			if err != nil {
				slog.Error("Failed to process missing block", "channel", channel, "number", id, "error", err)
				break
			}
		}
		st.mu.Unlock()
	}
}
