// Command gridnode runs one member of a gridmesh cache cluster.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gridmesh/gridmesh/internal/cache"
	"github.com/gridmesh/gridmesh/internal/cluster"
	"github.com/gridmesh/gridmesh/internal/config"
	"github.com/gridmesh/gridmesh/internal/logging/loki"
	"github.com/gridmesh/gridmesh/internal/metrics"
	"github.com/gridmesh/gridmesh/internal/remoting"
	"github.com/gridmesh/gridmesh/internal/tracing"
	"github.com/gridmesh/gridmesh/internal/transport"
	"github.com/gridmesh/gridmesh/internal/xsite"
	"github.com/gridmesh/gridmesh/pkg/proto"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

const (
	collectInterval = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gridnode",
		Short: "gridmesh cache node",
		Long: `gridnode runs one member of a gridmesh cluster.

Members find each other by gossip, replicate every write to the rest of
the cluster and back writes up to the remote sites listed in the config.

  gridnode serve --config node.yaml
  gridnode validate --config node.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and exit",
		RunE:  runValidate,
	}
	rootCmd.AddCommand(validateCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gridnode %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func loadConfig() (*config.NodeConfig, error) {
	if cfgFile == "" {
		return nil, errors.New("--config is required")
	}
	cfg, err := config.LoadNodeConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: node %s in site %s, %d backup site(s)\n",
		cfgFile, cfg.Name, cfg.Site, len(cfg.Sites))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runNode(ctx, cfg)
}

// runNode wires the node together and blocks until ctx is cancelled or a
// server fails.
func runNode(ctx context.Context, cfg *config.NodeConfig) error {
	if cfg.Loki.URL != "" {
		lokiWriter := loki.NewWriter(loki.Config{
			URL:           cfg.Loki.URL,
			BatchSize:     cfg.Loki.BatchSize,
			FlushInterval: cfg.LokiFlushInterval(),
			Labels: map[string]string{
				"node":    cfg.Name,
				"site":    cfg.Site,
				"version": Version,
			},
		})
		lokiWriter.Start()
		defer lokiWriter.Stop()

		log.Logger = log.Output(zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: os.Stderr},
			lokiWriter,
		))
		log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")
	}

	logger := log.Logger.With().Str("node", cfg.Name).Str("site", cfg.Site).Logger()
	self := cfg.Address()

	repo := remoting.NewRequestRepository(remoting.RepositoryConfig{
		Logger:             logger,
		MaxPendingRequests: cfg.MaxPending,
	})
	defer repo.Close()

	tr, err := transport.NewMeshTransport(transport.Config{
		Self:                  self,
		Logger:                logger,
		Repository:            repo,
		RateLimit:             cfg.Transport.RateLimit,
		RateBurst:             cfg.Transport.RateBurst,
		CompressThreshold:     int(cfg.Transport.CompressThreshold.Bytes()),
		MaxMessageSize:        cfg.Transport.MaxMessageSize.Bytes(),
		MaxConcurrentCommands: cfg.Transport.MaxConcurrentCommands,
		Sites:                 cfg.SiteGateways(),
	})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	defer tr.Close()

	membership, err := cluster.New(cluster.Config{
		NodeAddress: self,
		BindAddr:    cfg.Gossip.Bind,
		Seeds:       cfg.Gossip.Seeds,
		Logger:      logger,
	}, func(v cluster.View) {
		aborted := repo.OnNewView(v.Members)
		logger.Debug().Uint64("view", v.ID).Int("members", len(v.Members)).Int("requests", aborted).Msg("View installed")
	})
	if err != nil {
		return fmt.Errorf("start membership: %w", err)
	}
	defer func() { _ = membership.Shutdown() }()

	gridMetrics := metrics.InitMetrics(cfg.Name, cfg.Site, Version)
	collectorCfg := metrics.CollectorConfig{
		Requests:  repo,
		Views:     membership,
		Transport: tr,
	}

	var (
		backups   cache.Backups
		siteAdmin cache.SiteAdmin
	)
	if len(cfg.Sites) > 0 {
		sender, err := xsite.NewBackupSender(xsite.SenderConfig{
			Logger: logger,
			Sites:  cfg.BackupSites(),
		}, tr)
		if err != nil {
			return fmt.Errorf("create backup sender: %w", err)
		}
		backups = sender
		siteAdmin = sender
		collectorCfg.Backups = sender
	}
	collector := metrics.NewCollector(gridMetrics, collectorCfg)

	node, err := cache.NewNode(cache.NodeConfig{
		Self:       self,
		Logger:     logger,
		Repository: repo,
		Transport:  tr,
		Members: func() []proto.Address {
			return membership.View().Addresses()
		},
		Backups:      backups,
		Timeout:      cfg.RemoteTimeoutDuration(),
		OnBackupWait: collector.ObserveBackupWait,
	})
	if err != nil {
		return fmt.Errorf("create cache node: %w", err)
	}
	tr.RegisterHandler(node.HandleCommand)

	mux := http.NewServeMux()
	mux.Handle(transport.MessagePath, tr)
	api := cache.NewAPI(node, siteAdmin)
	mux.Handle("/api/", api)
	mux.Handle("/api/sites", api)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	rpcServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var recorder *tracing.Recorder
	if cfg.Trace.Enabled {
		recorder, err = tracing.Start(int(cfg.Trace.BufferSize.Bytes()))
		if err != nil {
			return err
		}
		defer recorder.Stop()
	}

	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		if recorder != nil {
			metricsMux.Handle("/debug/trace", recorder.Handler())
		}
		metricsServer = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("listen", cfg.Listen).Str("advertise", self.String()).Msg("Serving RPC and cache API")
		if err := rpcServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			logger.Info().Str("listen", cfg.MetricsListen).Msg("Serving metrics")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		collector.Run(gctx, collectInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		if err := membership.Leave(); err != nil {
			logger.Warn().Err(err).Msg("Failed to leave grid")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down rpc server")
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Failed to shut down metrics server")
			}
		}
		return nil
	})

	return g.Wait()
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
