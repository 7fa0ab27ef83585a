package ledgersync

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manifest-network/ledgersync/internal/client"
	"github.com/manifest-network/ledgersync/internal/config"
	"github.com/manifest-network/ledgersync/internal/metrics"
	"github.com/manifest-network/ledgersync/internal/models"
	"github.com/manifest-network/ledgersync/internal/notify"
	"github.com/manifest-network/ledgersync/internal/output/postgresql"
	"github.com/manifest-network/ledgersync/internal/synchronizer"
	"github.com/manifest-network/ledgersync/internal/utils"
)

var syncCmd = &cobra.Command{
	Use:   "sync [network] [client]",
	Short: "Synchronize ledger blocks into the database",
	Long: `Synchronize every channel of the selected network client into the database.

Without arguments the first configured network and its first client are used.
With one argument the named network and its first client are used.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSync(ctx, config.New(configPath), args)
	},
}

func runSync(ctx context.Context, v *viper.Viper, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var out *postgresql.PostgresOutputHandler
	err = utils.Retry(ctx, cfg.Sync.MaxRetries, "connect to PostgreSQL", func(ctx context.Context) error {
		h, err := postgresql.NewPostgresOutputHandler(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		out = h
		return nil
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			slog.Warn("Failed to close PostgreSQL connection", "error", err)
		}
	}()
	if cfg.Postgres.Migrate {
		if err := out.Migrate(); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	cache, err := notify.NewAddressCache(ctx, cfg.Notify.CacheTTL, net.DefaultResolver)
	if err != nil {
		return err
	}
	defer cache.Close()

	dispatcher := notify.NewDispatcher(cfg.Notify, cache, notify.NewRedisProducer, m)
	if err := dispatcher.Subscribe(func(n *models.Notification) {
		slog.Debug("Notification", "type", n.Type.String(), "channel", n.Channel)
	}); err != nil {
		return err
	}

	loader := func() (config.Config, error) { return config.Load(v) }
	factory := func(c config.ClientConfig, opts client.Options) (client.LedgerClient, error) {
		return client.NewGatewayClient(c, opts)
	}

	s := synchronizer.New(loader, factory, args, out, dispatcher, m)
	return s.Run(ctx)
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("Serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
