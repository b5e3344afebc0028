package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"execution_engine/internal/alert"
	"execution_engine/internal/broker"
	"execution_engine/internal/config"
	"execution_engine/internal/core"
	"execution_engine/internal/infrastructure/metrics"
	"execution_engine/internal/lifecycle"
	"execution_engine/internal/logging"
	"execution_engine/internal/marketdata"
	"execution_engine/internal/portfolio"
	"execution_engine/internal/risk"
	"execution_engine/internal/router"
	"execution_engine/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "Path to configuration file")
	intakePort := flag.Int("intake-port", 8080, "Signal intake port")
	marketDataURL := flag.String("market-data-url", "", "Market data base URL (overrides config-free default)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting execution engine",
		"version", version,
		"venues", len(cfg.Venues),
		"sizing_policy", cfg.Sizing.Policy,
		"routing_policy", cfg.Routing.Policy,
	)

	tel, err := telemetry.Setup("execution_engine")
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *intakePort, *marketDataURL); err != nil && ctx.Err() == nil {
		logger.Error("Engine terminated with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown incomplete", "error", err)
	}
	logger.Info("Execution engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.ZapLogger, intakePort int, marketDataURL string) error {
	snapshots, err := portfolio.NewSQLiteSnapshotStore(cfg.Portfolio.SnapshotDBPath)
	if err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}
	defer snapshots.Close()

	store, err := portfolio.NewStore(ctx, core.Cents(cfg.Portfolio.InitialCash),
		snapshots, cfg.Portfolio.SnapshotOnEvery, logger)
	if err != nil {
		return fmt.Errorf("portfolio store: %w", err)
	}

	sizer, err := risk.NewSizer(risk.SizerConfig{
		Policy:          risk.SizingPolicy(cfg.Sizing.Policy),
		PerTradeRiskPct: cfg.Sizing.PerTradeRiskPct,
		FixedFraction:   cfg.Sizing.FixedFraction,
		KellyWinRate:    cfg.Sizing.KellyWinRate,
		KellyWinLoss:    cfg.Sizing.KellyWinLoss,
		MaxKellyCap:     cfg.Sizing.MaxKellyCap,
	})
	if err != nil {
		return fmt.Errorf("sizer: %w", err)
	}

	engine, err := risk.NewEngine(cfg.RiskLimits(), logger)
	if err != nil {
		return fmt.Errorf("risk engine: %w", err)
	}

	registry := router.NewRegistry()
	adapters, err := buildVenues(cfg, registry, logger)
	if err != nil {
		return fmt.Errorf("venues: %w", err)
	}

	rtr, err := router.NewRouter(registry, router.Policy(cfg.Routing.Policy),
		cfg.Routing.PreferredVenues, cfg.Routing.HistorySize, logger)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	var market core.IMarketData
	if marketDataURL != "" {
		market, err = marketdata.NewHTTPProvider(marketdata.HTTPConfig{BaseURL: marketDataURL}, logger)
		if err != nil {
			return fmt.Errorf("market data: %w", err)
		}
	} else {
		logger.Warn("No market data URL configured, using empty static provider")
		market = marketdata.NewStaticProvider(nil)
	}

	alerts := alert.NewAlertManager(logger)
	if cfg.Alerting.WebhookURL != "" {
		alerts.AddChannel(alert.NewWebhookChannel("ops", cfg.Alerting.WebhookURL))
	}

	manager := lifecycle.NewManager(lifecycle.Config{
		SubmitTimeout:     time.Duration(cfg.Lifecycle.SubmitTimeoutMillis) * time.Millisecond,
		MaxSubmitAttempts: cfg.Lifecycle.MaxSubmitRetries,
		MaxCommitRetries:  cfg.Lifecycle.MaxCommitRetries,
		InitialBackoff:    time.Duration(cfg.Lifecycle.BaseRetryDelayMs) * time.Millisecond,
		MaxBackoff:        time.Duration(cfg.Lifecycle.MaxRetryDelayMs) * time.Millisecond,
		DailyResetHourUTC: cfg.Portfolio.DailyResetHour,
		Workers:           cfg.Lifecycle.WorkerPoolSize,
		QueueSize:         cfg.Lifecycle.WorkerPoolBuffer,
	}, store, sizer, engine, rtr, market, alert.NewSink(alerts), logger)

	// The manager outlives the signal context so shutdown can still cancel
	// working orders; Stop tears it down after the run group drains.
	manager.Start(context.Background())
	defer manager.Stop()

	for _, adapter := range adapters {
		manager.AttachBroker(adapter)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if !cfg.Portfolio.SnapshotOnEvery {
		interval := time.Duration(cfg.Portfolio.SnapshotIntervalSecs) * time.Second
		group.Go(func() error {
			store.PersistLoop(groupCtx, interval)
			return nil
		})
	}

	if cfg.Telemetry.EnableMetrics {
		metricsServer := metrics.NewServer(cfg.Telemetry.MetricsPort, venueHealth(adapters), logger)
		metricsServer.Start()
		group.Go(func() error {
			<-groupCtx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Stop(stopCtx)
		})
	}

	group.Go(func() error {
		return serveIntake(groupCtx, intakePort, manager, logger)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		if cfg.System.CancelOnExit {
			cancelActiveOrders(manager, logger)
		}
		return nil
	})

	logger.Info("Execution engine running", "intake_port", intakePort)
	return group.Wait()
}

func buildVenues(cfg *config.Config, registry *router.Registry, logger core.ILogger) (map[string]core.IBrokerAdapter, error) {
	adapters := make(map[string]core.IBrokerAdapter, len(cfg.Venues))
	for name, vc := range cfg.Venues {
		var adapter core.IBrokerAdapter
		var err error
		switch vc.Adapter {
		case "mock":
			adapter = broker.NewMockBroker(broker.MockConfig{Name: name, AutoFill: true}, logger)
		case "http":
			adapter, err = broker.NewHTTPBroker(broker.HTTPConfig{
				Name:      name,
				BaseURL:   vc.BaseURL,
				StreamURL: vc.WebsocketURL,
				APIKey:    vc.APIKey,
				Timeout:   time.Duration(vc.RequestTimeoutS) * time.Second,
			}, logger)
		default:
			err = fmt.Errorf("unknown adapter %q", vc.Adapter)
		}
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}

		orderTypes := make(map[core.OrderType]bool, len(vc.OrderTypes))
		for _, t := range vc.OrderTypes {
			orderTypes[core.OrderType(strings.ToUpper(t))] = true
		}
		symbols := make(map[string]bool, len(vc.Symbols))
		for _, s := range vc.Symbols {
			symbols[s] = true
		}

		if err := registry.Register(&router.Venue{
			Name:           name,
			FeeBps:         vc.FeeBps,
			LiquidityScore: vc.LiquidityScore,
			LatencyMillis:  vc.LatencyMillis,
			OrderTypes:     orderTypes,
			Symbols:        symbols,
			Adapter:        adapter,
		}); err != nil {
			return nil, err
		}
		adapters[name] = adapter
	}
	return adapters, nil
}

func venueHealth(adapters map[string]core.IBrokerAdapter) metrics.HealthFunc {
	return func(ctx context.Context) map[string]string {
		out := make(map[string]string, len(adapters))
		for name, adapter := range adapters {
			if err := adapter.CheckHealth(ctx); err != nil {
				out[name] = err.Error()
			} else {
				out[name] = "ok"
			}
		}
		return out
	}
}

type intakeSignal struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
	SourceID   string  `json:"source_id"`
}

// serveIntake runs the thin HTTP boundary where external strategies deliver
// signals. Everything behind it is the engine's own pipeline.
func serveIntake(ctx context.Context, port int, manager *lifecycle.Manager, logger core.ILogger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/signals", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var in intakeSignal
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sig, err := core.NewSignal(in.ID, in.Symbol, core.Direction(strings.ToUpper(in.Direction)),
			in.Confidence, time.UnixMilli(in.Timestamp).UTC(), in.SourceID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		decision, err := manager.HandleSignal(r.Context(), sig)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		resp := map[string]interface{}{"accepted": true}
		if decision != nil {
			resp["verdict"] = decision.Verdict.String()
			if decision.ReasonCode != "" {
				resp["reason"] = decision.ReasonCode
			}
			if decision.Order != nil {
				resp["order_id"] = decision.Order.ID
				resp["quantity"] = decision.Order.Quantity
			}
		} else {
			resp["verdict"] = "NO_TRADE"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(stopCtx)
	}()

	logger.Info("Signal intake listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func cancelActiveOrders(manager *lifecycle.Manager, logger core.ILogger) {
	active := manager.ActiveOrders()
	if len(active) == 0 {
		return
	}
	logger.Info("Cancelling active orders on shutdown", "count", len(active))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, order := range active {
		if err := manager.Cancel(ctx, order.ID); err != nil {
			logger.Warn("Shutdown cancel failed", "order_id", order.ID, "error", err)
		}
	}
}
