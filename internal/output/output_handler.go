package output

import (
	"context"

	"github.com/manifest-network/ledgersync/internal/models"
)

type OutputHandler interface {
	// ChannelExists reports whether the channel metadata is already stored.
	ChannelExists(ctx context.Context, name string) (bool, error)

	// UpsertChannel inserts or updates the channel metadata.
	UpsertChannel(ctx context.Context, channel *models.Channel) error

	// BlockExists reports whether the block is already stored. It is the only
	// deduplication signal the synchronizer relies on.
	BlockExists(ctx context.Context, channel string, number uint64) (bool, error)

	// WriteBlockWithTransactions writes a block and its transactions to the output.
	// Writing a block that already exists is a no-op.
	WriteBlockWithTransactions(ctx context.Context, channel string, block *models.Block) error

	// GetLatestBlock returns the latest block of the channel, or nil when none is stored.
	GetLatestBlock(ctx context.Context, channel string) (*models.Block, error)

	// GetMissingBlockIds returns the gaps below the latest stored block of the channel.
	GetMissingBlockIds(ctx context.Context, channel string) ([]uint64, error)

	// Close closes the output handler.
	Close() error
}
