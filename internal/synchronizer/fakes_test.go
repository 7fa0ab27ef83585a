package synchronizer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/manifest-network/ledgersync/internal/client"
	"github.com/manifest-network/ledgersync/internal/client/clienttest"
	"github.com/manifest-network/ledgersync/internal/config"
	"github.com/manifest-network/ledgersync/internal/models"
	"github.com/manifest-network/ledgersync/internal/output"
)

type memOutput struct {
	mu        sync.Mutex
	channels  map[string]*models.Channel
	blocks    map[string]map[uint64]*models.Block
	writes    map[string][]uint64
	failWrite map[string]error
	// failUpsert counts the remaining UpsertChannel failures per channel.
	failUpsert  map[string]int
	existsCalls map[string][]uint64
}

var _ output.OutputHandler = (*memOutput)(nil)

func newMemOutput() *memOutput {
	return &memOutput{
		channels:    make(map[string]*models.Channel),
		blocks:      make(map[string]map[uint64]*models.Block),
		writes:      make(map[string][]uint64),
		failWrite:   make(map[string]error),
		failUpsert:  make(map[string]int),
		existsCalls: make(map[string][]uint64),
	}
}

// remove deletes a stored block, leaving a hole.
func (o *memOutput) remove(channel string, number uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.blocks[channel], number)
}

func (o *memOutput) failUpserts(channel string, times int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failUpsert[channel] = times
}

func (o *memOutput) existsChecked(channel string) []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uint64(nil), o.existsCalls[channel]...)
}

// seed stores blocks without recording them as writes.
func (o *memOutput) seed(channel string, numbers ...uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.blocks[channel] == nil {
		o.blocks[channel] = make(map[uint64]*models.Block)
	}
	for _, n := range numbers {
		o.blocks[channel][n] = clienttest.NewBlock(channel, n)
	}
}

func (o *memOutput) written(channel string) []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uint64(nil), o.writes[channel]...)
}

func (o *memOutput) setWriteError(channel string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failWrite[channel] = err
}

func (o *memOutput) hasChannel(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.channels[name]
	return ok
}

func (o *memOutput) ChannelExists(_ context.Context, name string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.channels[name]
	return ok, nil
}

func (o *memOutput) UpsertChannel(_ context.Context, ch *models.Channel) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failUpsert[ch.Name] > 0 {
		o.failUpsert[ch.Name]--
		return errors.New("metadata write failed")
	}
	cp := *ch
	o.channels[ch.Name] = &cp
	return nil
}

func (o *memOutput) BlockExists(_ context.Context, channel string, number uint64) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.existsCalls[channel] = append(o.existsCalls[channel], number)
	_, ok := o.blocks[channel][number]
	return ok, nil
}

func (o *memOutput) WriteBlockWithTransactions(_ context.Context, channel string, block *models.Block) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.failWrite[channel]; err != nil {
		return err
	}
	if o.blocks[channel] == nil {
		o.blocks[channel] = make(map[uint64]*models.Block)
	}
	if _, ok := o.blocks[channel][block.Number]; ok {
		return nil
	}
	o.blocks[channel][block.Number] = block
	o.writes[channel] = append(o.writes[channel], block.Number)
	return nil
}

func (o *memOutput) GetLatestBlock(_ context.Context, channel string) (*models.Block, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var latest *models.Block
	for _, b := range o.blocks[channel] {
		if latest == nil || b.Number > latest.Number {
			latest = b
		}
	}
	return latest, nil
}

func (o *memOutput) GetMissingBlockIds(_ context.Context, channel string) ([]uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var max uint64
	for n := range o.blocks[channel] {
		if n > max {
			max = n
		}
	}
	var ids []uint64
	for n := uint64(1); n < max; n++ {
		if _, ok := o.blocks[channel][n]; !ok {
			ids = append(ids, n)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (o *memOutput) Close() error { return nil }

type recordingNotifier struct {
	mu       sync.Mutex
	items    []*models.Notification
	settings []config.NotifyConfig
}

func (r *recordingNotifier) Reconfigure(cfg config.NotifyConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = append(r.settings, cfg)
}

func (r *recordingNotifier) reconfigured() []config.NotifyConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]config.NotifyConfig(nil), r.settings...)
}

func (r *recordingNotifier) Notify(_ context.Context, n *models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recordingNotifier) count(typ models.NotificationType, match func(*models.Notification) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := 0
	for _, n := range r.items {
		if n.Type == typ && (match == nil || match(n)) {
			c++
		}
	}
	return c
}

func blockNumber(channel string, number uint64) func(*models.Notification) bool {
	return func(n *models.Notification) bool {
		return n.Channel == channel && n.Block != nil && n.Block.Number == number
	}
}

func testConfig() config.Config {
	return config.Config{
		Persistence: config.PersistencePostgres,
		Postgres:    config.PostgresConfig{DSN: "postgres://test"},
		Sync: config.SyncConfig{
			Platform:       config.PlatformFabric,
			SettleDelay:    time.Hour,
			MaxConcurrency: 4,
			QueueSize:      16,
		},
		Networks: map[string]config.NetworkConfig{
			"net": {Clients: map[string]config.ClientConfig{"client": {}}},
		},
	}
}

func staticConfig(cfg config.Config) ConfigLoader {
	return func() (config.Config, error) { return cfg, nil }
}

func staticClient(lc client.LedgerClient) ClientFactory {
	return func(config.ClientConfig, client.Options) (client.LedgerClient, error) { return lc, nil }
}

// configSource is a config loader whose settings can change between loads.
type configSource struct {
	mu    sync.Mutex
	cfg   config.Config
	loads int
}

func (c *configSource) load() (config.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	return c.cfg, nil
}

func (c *configSource) update(fn func(cfg *config.Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.cfg)
}

func (c *configSource) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}
