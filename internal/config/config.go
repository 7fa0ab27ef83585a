package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

const (
	PersistencePostgres = "postgreSQL"
	PlatformFabric      = "fabric"

	DefaultBlocksSyncTime = 60 * time.Second
	DefaultReinitInterval = 15 * time.Minute
	DefaultSettleDelay    = 5 * time.Second
	DefaultCacheTTL       = time.Hour
)

var (
	ErrMissingPersistence = errors.New("persistence is not configured")
	ErrUnknownPersistence = errors.New("persistence backend is not configured")
	ErrMissingPlatform    = errors.New("sync platform is not configured")
	ErrNoNetworks         = errors.New("no network configs defined")
	ErrUnknownNetwork     = errors.New("unknown network")
	ErrUnknownClient      = errors.New("unknown client")
)

type Config struct {
	Persistence string                   `mapstructure:"persistence"`
	Postgres    PostgresConfig           `mapstructure:"postgreSQL"`
	Sync        SyncConfig               `mapstructure:"sync"`
	Networks    map[string]NetworkConfig `mapstructure:"network-configs"`
	Notify      NotifyConfig             `mapstructure:"notify"`
	Metrics     MetricsConfig            `mapstructure:"metrics"`
}

type PostgresConfig struct {
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type SyncConfig struct {
	Platform       string        `mapstructure:"platform"`
	BlocksSyncTime int           `mapstructure:"blocksSyncTime"`
	ReinitInterval time.Duration `mapstructure:"reinitInterval"`
	SettleDelay    time.Duration `mapstructure:"settleDelay"`
	MaxRetries     uint          `mapstructure:"maxRetries"`
	MaxConcurrency uint          `mapstructure:"maxConcurrency"`
	QueueSize      int           `mapstructure:"queueSize"`
	Progress       bool          `mapstructure:"progress"`
}

type NetworkConfig struct {
	Clients map[string]ClientConfig `mapstructure:"clients"`
}

type ClientConfig struct {
	Gateway string     `mapstructure:"gateway"`
	Events  string     `mapstructure:"events"`
	Peer    PeerConfig `mapstructure:"peer"`
}

type PeerConfig struct {
	Name      string `mapstructure:"name"`
	Address   string `mapstructure:"address"`
	MSPID     string `mapstructure:"mspid"`
	TLSCACert string `mapstructure:"tlsCACert"`
}

type NotifyConfig struct {
	NameServer string        `mapstructure:"nameServer"`
	GroupID    string        `mapstructure:"groupID"`
	Topic      string        `mapstructure:"topic"`
	Tag        string        `mapstructure:"tag"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	CacheTTL   time.Duration `mapstructure:"cacheTTL"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Validate checks the settings without which synchronization cannot start.
func (c Config) Validate() error {
	if c.Persistence == "" {
		return ErrMissingPersistence
	}
	if c.Persistence != PersistencePostgres || c.Postgres.DSN == "" {
		return fmt.Errorf("%w: %s", ErrUnknownPersistence, c.Persistence)
	}
	if c.Sync.Platform == "" {
		return ErrMissingPlatform
	}
	if len(c.Networks) == 0 {
		return ErrNoNetworks
	}
	return nil
}

// HealthInterval returns the health-check interval. Values below one second
// are rejected and the default is kept.
func (s SyncConfig) HealthInterval() time.Duration {
	if s.BlocksSyncTime == 0 {
		return DefaultBlocksSyncTime
	}
	if s.BlocksSyncTime < 1 {
		slog.Warn("Ignoring invalid blocks sync time", "seconds", s.BlocksSyncTime, "default", DefaultBlocksSyncTime)
		return DefaultBlocksSyncTime
	}
	return time.Duration(s.BlocksSyncTime) * time.Second
}

// Reinit returns the full reinitialization interval.
func (s SyncConfig) Reinit() time.Duration {
	if s.ReinitInterval <= 0 {
		return DefaultReinitInterval
	}
	return s.ReinitInterval
}

// Settle returns the delay between a successful connect and the catch-up pass.
func (s SyncConfig) Settle() time.Duration {
	if s.SettleDelay <= 0 {
		return DefaultSettleDelay
	}
	return s.SettleDelay
}

// SelectClient picks the network and client identity to sync with.
// With no args the first network and its first client are used; with one
// arg the named network and its first client; with two args both are named.
// Map order is not stable in Go, so "first" means lexicographically first.
func (c Config) SelectClient(args []string) (string, string, ClientConfig, error) {
	if len(c.Networks) == 0 {
		return "", "", ClientConfig{}, ErrNoNetworks
	}

	var network, client string
	switch {
	case len(args) == 0:
		network = firstKey(c.Networks)
	default:
		network = args[0]
	}
	netCfg, ok := c.Networks[network]
	if !ok {
		return "", "", ClientConfig{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}

	if len(args) >= 2 {
		client = args[1]
	} else {
		client = firstKey(netCfg.Clients)
	}
	clientCfg, ok := netCfg.Clients[client]
	if !ok {
		return "", "", ClientConfig{}, fmt.Errorf("%w: %s/%s", ErrUnknownClient, network, client)
	}

	return network, client, clientCfg, nil
}

func firstKey[V any](m map[string]V) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
