// Package main provides the agrosense binary entry point.
// Agrosense is a multi-agent advisory service for smallholder farmers:
// it routes each query through classification, knowledge retrieval,
// regional weather/market data, and diagnosis, escalating severe
// findings to an external workflow.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/agrosense/agrosense/llm/providers"

	"github.com/agrosense/agrosense/alert"
	"github.com/agrosense/agrosense/config"
	"github.com/agrosense/agrosense/diagnose"
	"github.com/agrosense/agrosense/llm"
	"github.com/agrosense/agrosense/mcp"
	"github.com/agrosense/agrosense/model"
	"github.com/agrosense/agrosense/pipeline"
	"github.com/agrosense/agrosense/regional"
	"github.com/agrosense/agrosense/retrieval"
	"github.com/agrosense/agrosense/server"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "agrosense"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Farmer advisory pipeline",
		Long: `Agrosense answers farmer queries through a coordinated pipeline:
a fast model classifies the query, knowledge retrieval and regional
weather/market lookups run concurrently, a reasoning model produces a
diagnosis, and severe findings trigger the escalation workflow.

Model backends are selected by capability with ordered fallback, so a
single provider outage degrades latency rather than availability.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(askCmd(&configPath, &logLevel))
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP advisory service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, *logLevel)
		},
	}
}

func askCmd(configPath, logLevel *string) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Run one advisory turn from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(*configPath, *logLevel, sessionID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID to continue (empty starts a new session)")
	return cmd
}

func configInitCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "config-init",
		Short: "Write a default config file to edit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", out)
			}
			if err := config.DefaultConfig().SaveToFile(out); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "agrosense.yaml", "Output path for the config file")
	return cmd
}

// setup loads config and wires the full pipeline stack shared by the
// serve and ask commands.
type app struct {
	cfg         *config.Config
	coordinator *pipeline.Coordinator
	store       mcp.Store
	fetcher     *regional.Fetcher
	registry    *model.Registry
	metrics     *prometheus.Registry
	natsConn    *nats.Conn
}

func setup(ctx context.Context, configPath, logLevel string) (*app, error) {
	// Environment files are optional; real deployments set vars directly.
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	if configPath != "" {
		fileCfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg.Logging)
	logger := slog.Default()

	registry := cfg.BuildRegistry()

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	routerMetrics := llm.NewMetrics(metricsRegistry)

	client := llm.NewClient(registry,
		llm.WithLogger(logger),
		llm.WithMetrics(routerMetrics),
	)

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		natsConn = conn
	}

	var store mcp.Store
	switch cfg.Store.Backend {
	case "nats":
		js, err := jetstream.New(natsConn)
		if err != nil {
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		kv, err := mcp.EnsureBucket(ctx, js, cfg.Store.Bucket, cfg.GetIdleTTL())
		if err != nil {
			return nil, err
		}
		store = mcp.NewKVStore(kv, logger)
	default:
		memStore := mcp.NewMemoryStore(
			mcp.WithIdleTTL(cfg.GetIdleTTL()),
			mcp.WithLogger(logger),
		)
		memStore.StartEviction(ctx, time.Minute)
		store = memStore
	}

	index := retrieval.NewHTTPIndex(cfg.Retrieval.IndexURL, nil)
	retriever := retrieval.NewRetriever(client, index,
		retrieval.WithTopK(cfg.Retrieval.TopK),
		retrieval.WithMinScore(cfg.Retrieval.MinScore),
		retrieval.WithRetrieverLogger(logger),
	)

	var prices regional.PriceProvider = regional.NewStaticPriceProvider()
	if cfg.Regional.PricesURL != "" {
		prices = regional.NewHTTPPriceProvider(cfg.Regional.PricesURL, nil)
	}
	fetcher := regional.NewFetcher(
		[]regional.WeatherProvider{
			regional.NewOpenWeatherProvider(cfg.Regional.OpenWeatherURL, nil),
			regional.NewWeatherAPIProvider(cfg.Regional.WeatherAPIURL, nil),
		},
		prices,
		regional.WithFetchTimeout(cfg.GetFetchTimeout()),
		regional.WithFetcherLogger(logger),
	)

	diagnoser := diagnose.New(client, diagnose.WithLogger(logger))

	var trigger alert.Trigger
	switch cfg.Alert.Trigger {
	case "nats":
		trigger = alert.NewNATSTrigger(natsConn, cfg.Alert.Subject, logger)
	default:
		if cfg.Alert.WebhookURL != "" {
			trigger = alert.NewWebhookTrigger(cfg.Alert.WebhookURL,
				alert.WithWebhookRetry(cfg.Alert.MaxAttempts, time.Second),
				alert.WithWebhookLogger(logger),
			)
		}
	}
	evaluator := alert.NewEvaluator(trigger,
		alert.WithThreshold(cfg.GetAlertThreshold()),
		alert.WithLogger(logger),
	)

	timeouts := cfg.GetPipelineTimeouts()
	coordinator := pipeline.New(store, client, retriever, fetcher, diagnoser, evaluator,
		pipeline.WithTimeouts(pipeline.Timeouts{
			Classify: timeouts.Classify,
			Retrieve: timeouts.Retrieve,
			Regional: timeouts.Regional,
			Diagnose: timeouts.Diagnose,
			Act:      timeouts.Act,
		}),
		pipeline.WithLogger(logger),
	)

	return &app{
		cfg:         cfg,
		coordinator: coordinator,
		store:       store,
		fetcher:     fetcher,
		registry:    registry,
		metrics:     metricsRegistry,
		natsConn:    natsConn,
	}, nil
}

func (a *app) close() {
	if a.natsConn != nil {
		a.natsConn.Close()
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func runServe(configPath, logLevel string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer a.close()

	slog.Info("Agrosense ready",
		"version", Version,
		"store", a.cfg.Store.Backend,
		"addr", a.cfg.Server.Addr)

	srv := server.New(a.coordinator, a.store, a.fetcher,
		server.WithMetricsRegistry(a.metrics),
		server.WithModelRegistry(a.registry),
		server.WithLogger(slog.Default()),
	)
	if err := srv.ListenAndServe(ctx, a.cfg.Server.Addr, a.cfg.GetReadTimeout(), a.cfg.GetWriteTimeout()); err != nil && err != http.ErrServerClosed {
		return err
	}

	slog.Info("Shutdown complete")
	return nil
}

func runAsk(configPath, logLevel, sessionID, query string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer a.close()

	if sessionID == "" {
		sessionID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}

	turn, err := a.coordinator.Run(ctx, sessionID, query)
	if turn == nil {
		return err
	}

	out, marshalErr := json.MarshalIndent(turn, "", "  ")
	if marshalErr != nil {
		return marshalErr
	}
	fmt.Println(string(out))

	if turn.State == pipeline.StateFailed {
		return fmt.Errorf("turn failed: %s", turn.FailureReason)
	}
	return nil
}
