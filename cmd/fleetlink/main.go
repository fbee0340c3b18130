// Command fleetlink runs the device fleet A2A broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/broker"
	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/device"
	"github.com/fleetlink/fleetlink/pkg/llm"
	"github.com/fleetlink/fleetlink/pkg/logger"
	"github.com/fleetlink/fleetlink/pkg/manifest"
	"github.com/fleetlink/fleetlink/pkg/observability"
	"github.com/fleetlink/fleetlink/pkg/repository"
	"github.com/fleetlink/fleetlink/pkg/router"
	"github.com/fleetlink/fleetlink/pkg/scan"
	"github.com/fleetlink/fleetlink/pkg/server"
	"github.com/fleetlink/fleetlink/pkg/stream"
	"github.com/fleetlink/fleetlink/pkg/task"
	"github.com/fleetlink/fleetlink/pkg/worker"
)

type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the broker."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("fleetlink %s\n", version)
	return nil
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}
	if _, err := config.LoadFromFile(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", cli.Config)
	return nil
}

type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	repo, err := repository.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := device.NewRegistry(repo,
		device.WithHeartbeatHorizon(cfg.Registry.HeartbeatHorizonDuration()))
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load device registry: %w", err)
	}
	defer registry.Close()

	streams, err := stream.NewStore(cfg.Stream.BlobDir,
		stream.WithInlineThreshold(cfg.Stream.InlineThreshold),
		stream.WithRetention(cfg.Stream.Retention()))
	if err != nil {
		return fmt.Errorf("failed to open stream store: %w", err)
	}
	defer streams.Close()

	var pusher *task.Pusher
	if cfg.Push.IsEnabled() {
		pusher = task.NewPusher(repo,
			task.WithMaxAttempts(cfg.Push.MaxAttempts),
			task.WithAttemptTimeout(time.Duration(cfg.Push.AttemptTimeout)*time.Second),
			task.WithPusherMetrics(metrics))
		defer pusher.Close()
	}

	tasks := task.NewManager(repo,
		task.WithPusher(pusher),
		task.WithManagerMetrics(metrics))
	if err := tasks.Load(ctx); err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	defer tasks.Close()

	analyzer, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to build llm analyzer: %w", err)
	}
	defer analyzer.Close()

	endpoints, err := router.NewEndpoints(cfg.Endpoints.File, repo)
	if err != nil {
		return fmt.Errorf("failed to load agent endpoints: %w", err)
	}

	rt := router.New(registry, endpoints, analyzer,
		router.WithConfidenceThreshold(cfg.Router.ConfidenceThreshold),
		router.WithKeywordMinimum(cfg.Router.KeywordMinimum))

	pool := worker.NewPool(cfg.Workers.Count, cfg.Workers.QueueDepth,
		cfg.Workers.GracePeriodDuration(), worker.WithMetrics(metrics))

	client := a2a.NewClient(&a2a.ClientConfig{Timeout: cfg.Server.RequestTimeoutDuration()})

	dispatcher := broker.NewDispatcher(tasks, rt, registry, pool, client, endpoints,
		broker.WithBlockingTimeout(cfg.Server.RequestTimeoutDuration()),
		broker.WithMetrics(metrics))

	scanner := scan.NewScanner(registry, streams, repo, dispatcher,
		scan.WithInterval(cfg.Scan.IntervalDuration()),
		scan.WithBatchSize(cfg.Scan.BatchSize))

	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	manifestOpts := []manifest.Option{
		manifest.WithPushNotifications(cfg.Push.IsEnabled()),
	}
	if cfg.Server.EnableREST {
		manifestOpts = append(manifestOpts, manifest.WithRESTInterface(baseURL+"/v1"))
	}
	builder := manifest.NewBuilder(registry, cfg.Manifest, baseURL, manifestOpts...)

	srv := server.New(cfg.Server, dispatcher, tasks, registry, streams, builder,
		server.WithMetrics(metrics),
		server.WithPushEnabled(cfg.Push.IsEnabled()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start() })
	g.Go(func() error {
		builder.Run(ctx)
		return nil
	})
	g.Go(func() error {
		registry.RunLivenessSweeper(ctx, cfg.Registry.LivenessIntervalDuration())
		return nil
	})
	g.Go(func() error {
		streams.RunSweeper(ctx, cfg.Stream.SweepIntervalDuration())
		return nil
	})
	g.Go(func() error {
		scanner.Run(ctx)
		return nil
	})
	g.Go(func() error { return endpoints.Watch(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			slog.Warn("http shutdown incomplete", "error", err)
		}
		return pool.Shutdown(shutdownCtx)
	})

	slog.Info("fleetlink started", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, nil
	}
	return config.LoadFromFile(path)
}

func main() {
	config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("fleetlink"),
		kong.Description("fleetlink - A2A broker for device fleets"),
		kong.UsageOnError(),
	)

	logOutput := os.Stderr
	if cli.LogFile != "" {
		logFile, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		logOutput = logFile
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), logOutput, cli.LogFormat)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
