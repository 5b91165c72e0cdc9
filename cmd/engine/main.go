// Command engine runs the live spot/perp spread-arbitrage monitor: it loads
// configuration, wires every domain component, reconciles open positions
// from the shadow store, then drives monitor.Supervisor until a termination
// signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arbctl/spreadengine/internal/alert"
	"github.com/arbctl/spreadengine/internal/balance"
	"github.com/arbctl/spreadengine/internal/config"
	"github.com/arbctl/spreadengine/internal/core"
	"github.com/arbctl/spreadengine/internal/execution"
	"github.com/arbctl/spreadengine/internal/instrument"
	"github.com/arbctl/spreadengine/internal/logging"
	"github.com/arbctl/spreadengine/internal/monitor"
	"github.com/arbctl/spreadengine/internal/orderbook"
	"github.com/arbctl/spreadengine/internal/policy"
	"github.com/arbctl/spreadengine/internal/position"
	"github.com/arbctl/spreadengine/internal/risk"
	"github.com/arbctl/spreadengine/internal/selector"
	"github.com/arbctl/spreadengine/internal/spread"
	"github.com/arbctl/spreadengine/internal/store"
	"github.com/arbctl/spreadengine/internal/telemetry"

	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath:= flag.String("config", "config.yaml", "path to the engine's YAML config file")
	version:= flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("spreadengine dev")
		return
	}

	if err:= run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "engine: "+err.Error())
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err:= config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err:= logging.NewZapLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	meterProvider, metricsHTTPHandler, err:= initTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	if err:= telemetry.GetGlobalMetrics().InitMetrics(meterProvider.Meter("spreadengine")); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	notifier:= newAlertManager(cfg, logger)

	st, err:= store.Open(cfg.Store.Path, cfg.Store.BusyTimeoutMs)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop:= signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Store.MigrationsDir != "" {
		if err:= st.Migrate(ctx, cfg.Store.MigrationsDir); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
	}

	exchanges, err:= newExchangeClients(cfg, logger)
	if err != nil {
		return fmt.Errorf("exchange clients: %w", err)
	}

	positions:= position.NewManager()
	openRecords, err:= st.LoadOpen(ctx, cfg.SessionID)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	for _, rec:= range openRecords {
		p:= rec.Position
		dbID:= rec.DBID
		p.DBID = &dbID
		positions.Open(&p)
	}
	logger.Info("reconciled open positions from store", "count", len(openRecords))

	fees:= position.Fees{SpotTakerRate: cfg.Fees.SpotTakerRate, PerpTakerRate: cfg.Fees.PerpTakerRate}
	riskCfg:= cfg.ToRiskManagerConfig()
	riskMgr:= risk.NewManager(risk.Config{
		MaxOrderSizeUSDT: riskCfg.MaxOrderSizeUSDT,
		MaxSingleLossUSDT: riskCfg.MaxSingleLossUSDT,
		MaxDailyLossUSDT: riskCfg.MaxDailyLossUSDT,
		MaxDrawdownUSDT: riskCfg.MaxDrawdownUSDT,
		MaxRolling24hLossUSDT: riskCfg.MaxRolling24hLossUSDT,
		MaxConcurrentPositions: riskCfg.MaxConcurrentPositions,
	})

	instruments:= instrument.NewCache(exchanges.Instruments)
	spreadCalc:= spread.NewCalculator(cfg.Spread.WindowSize, cfg.Spread.RegimeShortWindow)
	orderbooks:= orderbook.NewCache()
	mapper:= coinSuffixMapper{spotQuote: cfg.Exchanges.Spot.Quote, perpQuote: cfg.Exchanges.Perp.Quote}

	coinSelector:= selector.NewSelector(exchanges.SpotMarket, selector.Config{
		Universe: cfg.Coins().Universe,
		StableSym: cfg.Exchanges.Perp.Quote,
	}, logger)

	evaluator:= thresholdEvaluator{
		entryZScore: cfg.Spread.EntryZScore,
		exitZScore: cfg.Spread.ExitZScore,
		minStddevThreshold: cfg.Spread.MinStddevThreshold,
	}

	fxMarket:= cfg.Exchanges.FXMarket
	if fxMarket == "" {
		fxMarket = cfg.Exchanges.Perp.Quote + cfg.Exchanges.Spot.Quote
	}
	fxSource:= fxTickerSource{market: exchanges.SpotMarket, symbol: fxMarket}
	initialFXRate, err:= fxSource.GetRate(ctx)
	if err != nil {
		return fmt.Errorf("initial fx rate: %w", err)
	}

	pol, err:= newPolicy(cfg, exchanges, positions, riskMgr, st, notifier, instruments, logger)
	if err != nil {
		return fmt.Errorf("build policy: %w", err)
	}

	monCfg:= monitor.Config{
		StaticCoins: cfg.Coins().Static,
		AutoSelect: cfg.Coins().AutoSelect,
		MaxCoins: cfg.Coins().MaxCoins,
		MinVolume1h: cfg.Coins().MinVolume1h,
		Blacklist: cfg.Coins().Blacklist,
		ReselectInterval: time.Duration(cfg.Coins().ReselectMins) * time.Minute,
		MaxSpreadStddev: cfg.Spread.MaxSpreadStddev,
		RegimeMultiplier: cfg.Spread.RegimeMultiplier,
		MaxCacheAgeSec: cfg.Position.MaxCacheAgeSec,
		FiatStableMarket: fxMarket,
		FiatMinimum: cfg.Position.FiatMinimum,
		MinPositionUSDT: cfg.Position.MinPositionUSDT,
		MaxPositionUSDT: cfg.Position.MaxPositionUSDT,
		MinExpectedROI: cfg.Position.MinExpectedROI,
		CapitalFractionPct: cfg.Position.CapitalFractionPct,
		TTLHours: cfg.Position.TTLHours,
		GracePeriodHours: cfg.Position.GracePeriodHours,
		Leverage: cfg.Position.Leverage,
		MMR: cfg.Position.BybitMMR,
		PerpTakerFeeRate: cfg.Fees.PerpTakerRate,
		FXRefreshInterval: 30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		MinuteInterval: time.Minute,
		VolumeRatioPct: cfg.Position.VolumeRatioPct,
		SessionID: cfg.SessionID,
		SpotTakerFeeRate: cfg.Fees.SpotTakerRate,
	}

	sup:= monitor.New(
		monCfg, mapper,
		exchanges.SpotMarket, exchanges.PerpMarket,
		exchanges.SpotStream, exchanges.PerpStream,
		instruments, spreadCalc, orderbooks,
		positions, fees, riskMgr,
		coinSelector, evaluator,
		pol, notifier,
		initialFXRate, fxSource,
		logger,
	)

	if err:= sup.Warmup(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	g, ctx:= errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })

	if metricsHTTPHandler != nil {
		srv:= &http.Server{Addr: cfg.Telemetry.PrometheusAddr, Handler: metricsHTTPHandler}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel:= context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			if err:= srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if err:= g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("engine stopped with error", "error", err.Error())
		return err
	}
	logger.Info("engine shut down gracefully")
	return nil
}

// initTelemetry wires the OTel meter provider to a Prometheus exporter.
// Returns a nil handler when telemetry is disabled.
func initTelemetry(cfg *config.Config) (*sdkmetric.MeterProvider, http.Handler, error) {
	if !cfg.Telemetry.Enabled {
		return sdkmetric.NewMeterProvider(), nil, nil
	}

	exporter, err:= otelprom.New
	if err != nil {
		return nil, nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	provider:= sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return provider, promhttp.Handler, nil
}

func newAlertManager(cfg *config.Config, logger core.ILogger) *alert.Manager {
	mgr:= alert.NewManager(logger)
	if cfg.Alerts.Slack.Enabled {
		mgr.AddChannel(alert.NewSlackChannel(string(cfg.Alerts.Slack.WebhookURL)))
	}
	if cfg.Alerts.Telegram.Enabled {
		mgr.AddChannel(alert.NewTelegramChannel(string(cfg.Alerts.Telegram.BotToken), cfg.Alerts.Telegram.ChatID))
	}
	return mgr
}

// newPolicy builds the Mode-selected policy.Policy: "simulation" inserts and
// closes positions directly against the store (no orders ever reach an
// exchange); "live" drives the Live Executor through exchanges.
func newPolicy(
	cfg *config.Config,
	exchanges *exchangeClients,
	positions *position.Manager,
	riskMgr *risk.Manager,
	st core.PositionStore,
	notifier core.Notifier,
	instruments *instrument.Cache,
	logger core.ILogger,
) (policy.Policy, error) {
	fees:= policy.Fees{SpotTakerRate: cfg.Fees.SpotTakerRate, PerpTakerRate: cfg.Fees.PerpTakerRate}

	if cfg.Mode == "simulation" {
		return policy.NewSimulationPolicy(positions, st, cfg.SessionID, fees, logger), nil
	}

	balances:= balance.NewTracker(decimal.Zero, decimal.Zero)
	executor:= execution.NewExecutor[core.OrderManagement, core.LinearOrderManagement](
		exchanges.SpotOrders, exchanges.PerpOrders,
		execution.Config{
			MaxSlippagePct: cfg.Execution.MaxSlippagePct,
			OrderTimeoutSec: cfg.Execution.OrderTimeoutSec,
			MaxDustUSDT: cfg.Execution.MaxDustUSDT,
			EmergencyWideSlippagePct: cfg.Execution.EmergencyWideSlippagePct,
			SpotTakerFeeRate: cfg.Fees.SpotTakerRate,
			PerpTakerFeeRate: cfg.Fees.PerpTakerRate,
		},
		logger,
	)

	marketRef:= func(coin string) (policy.MarketRef, bool) {
		info, ok:= instruments.Get(coin)
		if !ok {
			return policy.MarketRef{}, false
		}
		mapper:= coinSuffixMapper{spotQuote: cfg.Exchanges.Spot.Quote, perpQuote: cfg.Exchanges.Perp.Quote}
		return policy.MarketRef{
			SpotMarket: mapper.SpotMarket(coin),
			PerpMarket: mapper.PerpMarket(coin),
			TickSize: info.TickSize,
		}, true
	}

	return policy.NewLivePolicy(
		positions, balances, riskMgr, executor, st, notifier, marketRef, fees,
		cfg.SessionID, cfg.Execution.UpbitIOCCooldownMaxEntries, cfg.UpbitIOCCooldown(), logger,
	), nil
}
