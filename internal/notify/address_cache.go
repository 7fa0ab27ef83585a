package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/manifest-network/ledgersync/internal/config"
	"github.com/manifest-network/ledgersync/internal/utils"
)

// HostResolver resolves hostnames. *net.Resolver satisfies it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// AddressCache maps hostnames to resolved addresses. Entries expire after
// the configured TTL.
type AddressCache struct {
	cache    *bigcache.BigCache
	resolver HostResolver
}

// NewAddressCache creates a cache whose entries live for ttl.
func NewAddressCache(ctx context.Context, ttl time.Duration, resolver HostResolver) (*AddressCache, error) {
	if ttl <= 0 {
		ttl = config.DefaultCacheTTL
	}
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 16
	cfg.MaxEntriesInWindow = 1024
	cfg.MaxEntrySize = 64
	cfg.CleanWindow = ttl
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create address cache: %w", err)
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &AddressCache{cache: cache, resolver: resolver}, nil
}

// Lookup returns the cached address for host.
func (c *AddressCache) Lookup(host string) (string, bool) {
	v, err := c.cache.Get(host)
	if err != nil {
		return "", false
	}
	return string(v), true
}

// Resolve turns a host:port endpoint into ip:port. Literal IPs are returned
// as is; hostnames are served from the cache or resolved and cached.
// Resolution failures are returned to the caller without retry.
func (c *AddressCache) Resolve(ctx context.Context, endpoint string) (string, error) {
	host, port, err := utils.SplitEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	if utils.IsIP(host) {
		return net.JoinHostPort(host, port), nil
	}

	if addr, ok := c.Lookup(host); ok {
		slog.Debug("Address cache hit", "host", host, "address", addr)
		return net.JoinHostPort(addr, port), nil
	}

	slog.Debug("Resolving host", "host", host)
	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("failed to resolve %s: %w", host, errNoAddress)
	}

	if err := c.cache.Set(host, []byte(addrs[0])); err != nil {
		slog.Warn("Failed to cache resolved address", "host", host, "error", err)
	}
	return net.JoinHostPort(addrs[0], port), nil
}

// Close releases the cache.
func (c *AddressCache) Close() error {
	return c.cache.Close()
}

var errNoAddress = errors.New("no address returned")
