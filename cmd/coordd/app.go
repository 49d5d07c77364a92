package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	coordd "github.com/WilliamAGH/williamcallahan.com-sub008"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("COORDD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "coordd")

	cmd := newRootCommand(logger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "coordd",
		Short:         "coordd runs the site's dataset refresh coordinator: distributed locks, rate limiting, and tiered snapshot caching over an object store",
		SilenceErrors: true,
		Example: `
  # In-memory store (single node, dev)
  coordd --store mem:// --config datasets.yaml

  # Disk-backed store shared over NFS
  coordd --store disk:///var/lib/coordd --config datasets.yaml

  # MinIO backend
  COORDD_STORE=s3://localhost:9000/site-data?insecure=1 coordd --config datasets.yaml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			if err := loadConfigFile(); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cfg, err := bindConfig()
			if err != nil {
				return err
			}

			layer, err := coordd.NewLayer(cfg, coordd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer layer.Close()
			logger.Info("coordd starting",
				"pid", os.Getpid(),
				"store", cfg.Store,
				"datasets", len(cfg.Datasets),
				"holder", layer.HolderID(),
			)

			var metricsServer *http.Server
			if cfg.MetricsListen != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsServer = &http.Server{Addr: cfg.MetricsListen, Handler: mux}
				go func() {
					logger.Info("metrics listening", "addr", cfg.MetricsListen)
					if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics listener failed", "error", err)
					}
				}()
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				layer.RunScheduler(ctx)
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := layer.WatchInvalidations(ctx)
				if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, storage.ErrNotImplemented) {
					logger.Warn("invalidation watcher stopped", "error", err)
				}
			}()

			<-ctx.Done()
			logger.Info("coordd shutting down")
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = metricsServer.Shutdown(shutdownCtx)
			}
			wg.Wait()
			return nil
		},
	}

	flags := cmd.Flags()
	cmd.PersistentFlags().StringP("config", "c", "", "path to YAML config file listing datasets and overrides")
	flags.String("store", coordd.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("metrics-listen", coordd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.Duration("lock-ttl", coordd.DefaultLockTTL, "refresh lock time-to-live")
	flags.Int("lock-max-retries", coordd.DefaultLockMaxRetries, "lock acquisition retries before skipping a cycle")
	flags.Duration("cache-fresh-for", coordd.DefaultCacheFreshFor, "in-process cache freshness window")
	flags.Int("rate-max-requests", coordd.DefaultRateMaxRequests, "origin requests allowed per rate window")
	flags.Duration("rate-window", coordd.DefaultRateWindow, "fixed rate-limit window length")
	flags.Int("breaker-failure-threshold", coordd.DefaultBreakerFailureThreshold, "consecutive failures before the origin circuit opens")
	flags.Duration("breaker-reset-timeout", coordd.DefaultBreakerResetTimeout, "cooldown before an open circuit admits a probe")
	flags.Duration("http-timeout", coordd.DefaultHTTPTimeout, "timeout for a single origin request")
	flags.String("max-snapshot-bytes", coordd.DefaultMaxSnapshotBytes, "maximum origin payload size (accepts humanized sizes like 32MiB)")
	flags.Int("storage-retry-attempts", coordd.DefaultStorageRetryAttempts, "attempts for transient storage errors")
	flags.String("s3-access-key-id", "", "S3 access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "S3 secret key for s3:// stores")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-account-key", "", "Azure shared key for azure:// stores")
	flags.String("azure-sas-token", "", "Azure SAS token for azure:// stores")
	flags.String("azure-endpoint", "", "Azure blob endpoint override")
	flags.String("log-level", "info", "minimum log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("COORDD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	for _, name := range []string{
		"config", "store", "metrics-listen",
		"lock-ttl", "lock-max-retries", "cache-fresh-for",
		"rate-max-requests", "rate-window", "breaker-failure-threshold", "breaker-reset-timeout",
		"http-timeout", "max-snapshot-bytes", "storage-retry-attempts",
		"s3-access-key-id", "s3-secret-access-key", "aws-region",
		"azure-account-key", "azure-sas-token", "azure-endpoint",
		"log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newRefreshCommand(logger))
	return cmd
}

func loadConfigFile() error {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return nil
	}
	info, err := os.Stat(cfgPath)
	if err != nil {
		return fmt.Errorf("config file %q: %w", cfgPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", cfgPath)
	}
	viper.SetConfigFile(cfgPath)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", cfgPath, err)
	}
	return nil
}

func bindConfig() (coordd.Config, error) {
	cfg := coordd.DefaultConfig()
	cfg.Store = viper.GetString("store")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.LockTTL = viper.GetDuration("lock-ttl")
	cfg.LockMaxRetries = viper.GetInt("lock-max-retries")
	cfg.CacheFreshFor = viper.GetDuration("cache-fresh-for")
	cfg.RateMaxRequests = viper.GetInt("rate-max-requests")
	cfg.RateWindow = viper.GetDuration("rate-window")
	cfg.BreakerFailureThreshold = viper.GetInt("breaker-failure-threshold")
	cfg.BreakerResetTimeout = viper.GetDuration("breaker-reset-timeout")
	cfg.HTTPTimeout = viper.GetDuration("http-timeout")
	cfg.MaxSnapshotBytes = viper.GetString("max-snapshot-bytes")
	cfg.StorageRetryAttempts = viper.GetInt("storage-retry-attempts")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AzureAccountKey = viper.GetString("azure-account-key")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	if err := viper.UnmarshalKey("datasets", &cfg.Datasets); err != nil {
		return coordd.Config{}, fmt.Errorf("parse datasets: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return coordd.Config{}, err
	}
	return cfg, nil
}
