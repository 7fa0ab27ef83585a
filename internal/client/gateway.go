package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/manifest-network/ledgersync/internal/config"
	"github.com/manifest-network/ledgersync/internal/models"
)

const defaultTimeout = 30 * time.Second

type channelList struct {
	Channels []models.ChannelRef `json:"channels"`
}

// GatewayClient talks to a ledger gateway: REST for queries, websocket for
// block events and gRPC health checks for peer status.
type GatewayClient struct {
	rest      *resty.Client
	eventsURL string
	peer      models.Peer
	peerConn  *grpc.ClientConn
	opts      Options
	now       func() time.Time

	mu           sync.RWMutex
	channels     map[string]*models.Channel
	listCache    []models.ChannelRef
	listCachedAt time.Time
}

var _ LedgerClient = (*GatewayClient)(nil)

// NewGatewayClient creates a client for cfg. No network call is made.
func NewGatewayClient(cfg config.ClientConfig, opts Options) (*GatewayClient, error) {
	if cfg.Gateway == "" {
		return nil, ErrMissingGateway
	}
	if cfg.Peer.Address == "" {
		return nil, ErrMissingPeerAddr
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}

	creds := insecure.NewCredentials()
	if cfg.Peer.TLSCACert != "" {
		tlsCreds, err := credentials.NewClientTLSFromFile(cfg.Peer.TLSCACert, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load peer TLS CA: %w", err)
		}
		creds = tlsCreds
	}
	conn, err := grpc.NewClient(cfg.Peer.Address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	rest := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Gateway, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(int(opts.MaxRetries)).
		SetHeader("Accept", "application/json")

	events := cfg.Events
	if events == "" {
		events = strings.Replace(cfg.Gateway, "http", "ws", 1)
	}

	return &GatewayClient{
		rest:      rest,
		eventsURL: strings.TrimRight(events, "/"),
		peer: models.Peer{
			Name:    cfg.Peer.Name,
			Address: cfg.Peer.Address,
			MSPID:   cfg.Peer.MSPID,
		},
		peerConn: conn,
		opts:     opts,
		now:      time.Now,
		channels: make(map[string]*models.Channel),
	}, nil
}

func (c *GatewayClient) DefaultPeer() models.Peer {
	return c.peer
}

func (c *GatewayClient) PeerStatus(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(c.peerConn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Errorf("peer %s health check failed: %w", c.peer.Address, err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *GatewayClient) ListChannels(ctx context.Context) ([]models.ChannelRef, error) {
	c.mu.RLock()
	if c.listCache != nil && c.now().Sub(c.listCachedAt) < c.opts.DiscoveryCacheLife {
		cached := append([]models.ChannelRef(nil), c.listCache...)
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	var out channelList
	if err := c.get(ctx, "/channels", &out); err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}

	c.mu.Lock()
	c.listCache = out.Channels
	c.listCachedAt = c.now()
	c.mu.Unlock()

	return append([]models.ChannelRef(nil), out.Channels...), nil
}

func (c *GatewayClient) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *GatewayClient) Channel(name string) (*models.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, ok := c.channels[name]
	if !ok {
		return nil, false
	}
	cp := *ch
	return &cp, true
}

func (c *GatewayClient) InitializeChannel(ctx context.Context, name string) error {
	ch, err := c.queryChannel(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to initialize channel %s: %w", name, err)
	}

	c.mu.Lock()
	c.channels[name] = ch
	c.mu.Unlock()

	slog.Debug("Initialized channel", "channel", name, "height", ch.Height)
	return nil
}

func (c *GatewayClient) ChannelHeight(ctx context.Context, name string) (uint64, error) {
	ch, err := c.queryChannel(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to query height of channel %s: %w", name, err)
	}

	c.mu.Lock()
	if known, ok := c.channels[name]; ok {
		known.Height = ch.Height
	}
	c.mu.Unlock()

	return ch.Height, nil
}

func (c *GatewayClient) GetBlock(ctx context.Context, name string, number uint64) (*models.Block, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"channel": name,
			"number":  strconv.FormatUint(number, 10),
		}).
		Get("/channels/{channel}/blocks/{number}")
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s/%d", ErrBlockNotFound, name, number)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to get block %d: %s", number, resp.Status())
	}
	return decodeBlock(resp.Body())
}

func (c *GatewayClient) Subscribe(name string, onBlock BlockCallback, onError ErrorCallback) (Subscription, error) {
	if _, ok := c.Channel(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return newEventStream(c.eventsURL+"/channels/"+name+"/blocks", onBlock, onError), nil
}

func (c *GatewayClient) Close() error {
	return c.peerConn.Close()
}

func (c *GatewayClient) queryChannel(ctx context.Context, name string) (*models.Channel, error) {
	var ch models.Channel
	if err := c.get(ctx, "/channels/"+url.PathEscape(name), &ch); err != nil {
		return nil, err
	}
	if ch.Name == "" {
		ch.Name = name
	}
	ch.Peer = c.peer
	return &ch, nil
}

// get decodes the JSON body of a GET regardless of the response content type.
func (c *GatewayClient) get(ctx context.Context, path string, out any) error {
	resp, err := c.rest.R().SetContext(ctx).Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("unexpected status %s", resp.Status())
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func decodeBlock(raw []byte) (*models.Block, error) {
	var block models.Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block JSON: %w", err)
	}
	block.Data = raw
	return &block, nil
}
