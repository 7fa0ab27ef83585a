package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "LEDGERSYNC"

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("persistence", PersistencePostgres)
	v.SetDefault("postgreSQL.migrate", true)
	v.SetDefault("sync.platform", PlatformFabric)
	v.SetDefault("sync.blocksSyncTime", int(DefaultBlocksSyncTime.Seconds()))
	v.SetDefault("sync.reinitInterval", DefaultReinitInterval)
	v.SetDefault("sync.settleDelay", DefaultSettleDelay)
	v.SetDefault("sync.maxRetries", 3)
	v.SetDefault("sync.maxConcurrency", 8)
	v.SetDefault("sync.queueSize", 64)
	v.SetDefault("notify.topic", "ledgersync-tx")
	v.SetDefault("notify.tag", "txstatus")
	v.SetDefault("notify.groupID", "ledgersync")
	v.SetDefault("notify.cacheTTL", DefaultCacheTTL)
}

// New returns a viper instance bound to the config file at path.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads the config file (when one is set) and decodes it.
func Load(v *viper.Viper) (Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}
