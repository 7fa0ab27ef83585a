package client

import (
	"context"
	"errors"
	"time"

	"github.com/manifest-network/ledgersync/internal/models"
)

var (
	ErrBlockNotFound   = errors.New("block not found")
	ErrUnknownChannel  = errors.New("channel is not initialized")
	ErrMissingGateway  = errors.New("gateway endpoint is not configured")
	ErrMissingPeerAddr = errors.New("peer address is not configured")
)

// BlockCallback receives blocks pushed on a subscription, in order.
type BlockCallback func(block *models.Block)

// ErrorCallback receives transport failures of a subscription.
type ErrorCallback func(err error)

// LedgerClient is the view of the ledger network the synchronizer works against.
type LedgerClient interface {
	// DefaultPeer returns the peer the client queries.
	DefaultPeer() models.Peer

	// PeerStatus reports whether the default peer is reachable and serving.
	PeerStatus(ctx context.Context) (bool, error)

	// ListChannels returns the channels the peer has joined.
	ListChannels(ctx context.Context) ([]models.ChannelRef, error)

	// Channels returns the channels initialized in the client context, sorted by name.
	Channels() []string

	// Channel returns an initialized channel.
	Channel(name string) (*models.Channel, bool)

	// InitializeChannel loads a channel into the client context.
	InitializeChannel(ctx context.Context, name string) error

	// ChannelHeight returns the number of the latest block committed on the channel.
	ChannelHeight(ctx context.Context, name string) (uint64, error)

	// GetBlock fetches one block by number.
	GetBlock(ctx context.Context, name string, number uint64) (*models.Block, error)

	// Subscribe allocates a block event subscription. It is not connected yet.
	Subscribe(name string, onBlock BlockCallback, onError ErrorCallback) (Subscription, error)

	// Close releases the client's connections.
	Close() error
}

// Subscription is a handle on a channel's block event stream.
type Subscription interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
}

// Options tune a LedgerClient.
type Options struct {
	// DiscoveryCacheLife bounds how long a ListChannels answer is reused.
	DiscoveryCacheLife time.Duration
	MaxRetries         uint
	Timeout            time.Duration
}
