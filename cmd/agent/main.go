package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/flamewire/agent/pkg/agent"
	"github.com/flamewire/agent/pkg/client"
	"github.com/flamewire/agent/pkg/config"
	"github.com/flamewire/agent/pkg/sampler/goruntime"
)

var (
	rootCmd = &cobra.Command{
		Use:           "agent",
		Short:         "Poll the profiler control plane and upload profiles of this process",
		Long:          "In-process profiling agent: polls the profiler service for assignments, collects CPU or heap profiles of the host runtime and uploads them in pprof format",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, args []string) error {
			return run()
		},
	}

	configPath string
	logLevel   int
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to agent config")
	rootCmd.Flags().IntVarP(&logLevel, "log-level", "l", -1, "log level, 0 (silent) through 5 (verbose); overrides config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func loadExplicitConfig() (*config.Config, error) {
	explicit := &config.Config{}
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, explicit); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}
	if logLevel >= 0 {
		explicit.LogLevel = &logLevel
	}
	return explicit, nil
}

func newLogger(conf *config.Config) (*zap.Logger, error) {
	if conf.Level() == 0 {
		return zap.NewNop(), nil
	}
	zconf := zap.NewProductionConfig()
	zconf.Level = zap.NewAtomicLevelAt(conf.ZapLevel())
	return zconf.Build()
}

func newHTTPClient(ctx context.Context, conf *config.Config, l *zap.Logger) *http.Client {
	hc, err := client.NewAuthenticatedHTTPClient(ctx)
	if err == nil {
		return hc
	}
	if conf.BaseURL != client.DefaultBaseURL {
		// A custom control plane may not need Google credentials.
		l.Warn("No application default credentials, using unauthenticated client", zap.Error(err))
		return &http.Client{}
	}
	l.Error("Failed to build authenticated client", zap.Error(err))
	return nil
}

func run() error {
	explicit, err := loadExplicitConfig()
	if err != nil {
		return err
	}
	conf, err := config.Resolve(explicit)
	if err != nil {
		return err
	}

	logger, err := newLogger(conf)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf.DiscoverMetadata(ctx, logger)
	if err := conf.Validate(); err != nil {
		return err
	}

	hc := newHTTPClient(ctx, conf, logger)
	if hc == nil {
		return errors.New("no usable credentials for the profiler API")
	}

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithMetricsRegistry(prometheus.DefaultRegisterer),
	}
	if !conf.DisableTime {
		opts = append(opts, agent.WithCPUSampler(goruntime.NewCPUSampler()))
	}
	if !conf.DisableHeap {
		opts = append(opts, agent.WithHeapSampler(goruntime.NewHeapSampler()))
	}

	a, err := agent.NewAgent(conf, client.NewClient(conf.BaseURL, hc, logger), opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to release samplers", zap.Error(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(ctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
