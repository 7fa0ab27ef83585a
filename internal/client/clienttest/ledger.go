// Package clienttest provides an in-memory LedgerClient for tests.
package clienttest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/manifest-network/ledgersync/internal/client"
	"github.com/manifest-network/ledgersync/internal/models"
)

var ErrUnreachable = errors.New("peer unreachable")

type channelData struct {
	height uint64
	blocks map[uint64]*models.Block
}

// Ledger is an in-memory ledger network with one peer.
type Ledger struct {
	mu          sync.Mutex
	peer        models.Peer
	peerUp      bool
	listErr     error
	channels    map[string]*channelData
	initialized map[string]bool
	subs        map[string][]*Subscription
	fetched     map[string][]uint64
	initCalls   map[string]int
	connectErr  map[string]error
	closed      bool
}

var _ client.LedgerClient = (*Ledger)(nil)

// New returns a reachable ledger without channels.
func New() *Ledger {
	return &Ledger{
		peer:        models.Peer{Name: "peer0.org1", Address: "localhost:7051", MSPID: "Org1MSP"},
		peerUp:      true,
		channels:    make(map[string]*channelData),
		initialized: make(map[string]bool),
		subs:        make(map[string][]*Subscription),
		fetched:     make(map[string][]uint64),
		initCalls:   make(map[string]int),
		connectErr:  make(map[string]error),
	}
}

// NewBlock builds a block with one valid endorser transaction.
func NewBlock(channel string, number uint64) *models.Block {
	return &models.Block{
		Number: number,
		Hash:   fmt.Sprintf("%s-h%d", channel, number),
		Transactions: []*models.Transaction{{
			Hash:             fmt.Sprintf("%s-tx%d", channel, number),
			Type:             models.TxTypeEndorserTransaction,
			Chaincode:        "mycc",
			ValidationStatus: "VALID",
		}},
	}
}

// AddChannel creates a channel with blocks 0..height on the network.
// The channel is not initialized in the client context.
func (l *Ledger) AddChannel(name string, height uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cd := &channelData{height: height, blocks: make(map[uint64]*models.Block)}
	for n := uint64(0); n <= height; n++ {
		cd.blocks[n] = NewBlock(name, n)
	}
	l.channels[name] = cd
}

// Commit appends the next block to the channel and returns it.
func (l *Ledger) Commit(name string) *models.Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	cd := l.channels[name]
	cd.height++
	b := NewBlock(name, cd.height)
	cd.blocks[cd.height] = b
	return b
}

// SetBlock replaces a stored block.
func (l *Ledger) SetBlock(name string, b *models.Block) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels[name].blocks[b.Number] = b
}

// MarkInitialized puts channels into the client context without counting
// InitializeChannel calls.
func (l *Ledger) MarkInitialized(names ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range names {
		l.initialized[n] = true
	}
}

func (l *Ledger) SetPeerUp(up bool) {
	l.mu.Lock()
	l.peerUp = up
	l.mu.Unlock()
}

func (l *Ledger) SetListError(err error) {
	l.mu.Lock()
	l.listErr = err
	l.mu.Unlock()
}

// SetConnectError makes Connect fail for the channel's subscriptions.
func (l *Ledger) SetConnectError(channel string, err error) {
	l.mu.Lock()
	l.connectErr[channel] = err
	l.mu.Unlock()
}

// Subscriptions returns every subscription created for the channel.
func (l *Ledger) Subscriptions(channel string) []*Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Subscription(nil), l.subs[channel]...)
}

// Fetched returns the block numbers requested through GetBlock.
func (l *Ledger) Fetched(channel string) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.fetched[channel]...)
}

// InitCalls returns how many times InitializeChannel ran for the channel.
func (l *Ledger) InitCalls(channel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initCalls[channel]
}

func (l *Ledger) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Ledger) DefaultPeer() models.Peer {
	return l.peer
}

func (l *Ledger) PeerStatus(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.peerUp {
		return false, ErrUnreachable
	}
	return true, nil
}

func (l *Ledger) ListChannels(context.Context) ([]models.ChannelRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listErr != nil {
		return nil, l.listErr
	}
	refs := make([]models.ChannelRef, 0, len(l.channels))
	for name := range l.channels {
		refs = append(refs, models.ChannelRef{Name: name})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (l *Ledger) Channels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.initialized))
	for name := range l.initialized {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *Ledger) Channel(name string) (*models.Channel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized[name] {
		return nil, false
	}
	cd := l.channels[name]
	ch := &models.Channel{Name: name, Peer: l.peer}
	if cd != nil {
		ch.Height = cd.height
		ch.GenesisHash = cd.blocks[0].Hash
	}
	return ch, true
}

func (l *Ledger) InitializeChannel(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initCalls[name]++
	if _, ok := l.channels[name]; !ok {
		return fmt.Errorf("%w: %s", client.ErrUnknownChannel, name)
	}
	l.initialized[name] = true
	return nil
}

func (l *Ledger) ChannelHeight(_ context.Context, name string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cd, ok := l.channels[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", client.ErrUnknownChannel, name)
	}
	return cd.height, nil
}

func (l *Ledger) GetBlock(_ context.Context, name string, number uint64) (*models.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetched[name] = append(l.fetched[name], number)
	cd, ok := l.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", client.ErrUnknownChannel, name)
	}
	b, ok := cd.blocks[number]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", client.ErrBlockNotFound, name, number)
	}
	return b, nil
}

func (l *Ledger) Subscribe(name string, onBlock client.BlockCallback, onError client.ErrorCallback) (client.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized[name] {
		return nil, fmt.Errorf("%w: %s", client.ErrUnknownChannel, name)
	}
	sub := &Subscription{ledger: l, channel: name, onBlock: onBlock, onError: onError}
	l.subs[name] = append(l.subs[name], sub)
	return sub, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Subscription is a fake block event stream. Blocks are delivered
// synchronously by Push.
type Subscription struct {
	ledger  *Ledger
	channel string
	onBlock client.BlockCallback
	onError client.ErrorCallback

	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
}

func (s *Subscription) Connect(context.Context) error {
	s.ledger.mu.Lock()
	err := s.ledger.connectErr[s.channel]
	s.ledger.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if err != nil {
		return err
	}
	s.connected = true
	return nil
}

func (s *Subscription) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.connected = false
	return nil
}

func (s *Subscription) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connects returns how many times Connect was called.
func (s *Subscription) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Disconnects returns how many times Disconnect was called.
func (s *Subscription) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// Push delivers a block as the event stream would.
func (s *Subscription) Push(b *models.Block) {
	s.onBlock(b)
}

// Drop simulates a lost connection.
func (s *Subscription) Drop(err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	if s.onError != nil {
		s.onError(err)
	}
}
