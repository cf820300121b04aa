// paperdesk runs the full paper-trading execution engine: C1-C9's core
// plus the C10-C12 ambient/domain-stack expansion (config, observability,
// broadcast and audit export), wired the way cmd/polybot/main.go wires its own
// layered startup — bootstrap logging, load config, open stores, construct
// components bottom-up, start background loops, wait on SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/audit"
	"github.com/paperdesk/engine/internal/broadcast"
	"github.com/paperdesk/engine/internal/config"
	"github.com/paperdesk/engine/internal/coordinator"
	"github.com/paperdesk/engine/internal/execution"
	"github.com/paperdesk/engine/internal/metrics"
	"github.com/paperdesk/engine/internal/money"
	"github.com/paperdesk/engine/internal/notify"
	"github.com/paperdesk/engine/internal/pending"
	"github.com/paperdesk/engine/internal/pricesource"
	"github.com/paperdesk/engine/internal/pyramid"
	"github.com/paperdesk/engine/internal/risk"
	"github.com/paperdesk/engine/internal/sot"
	"github.com/paperdesk/engine/internal/ts"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return 2
	}

	log.Info().Str("version", version).Msg("paperdesk starting")

	sotStore, err := sot.Open(cfg.Store.SOTDatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to open SOT store")
		return 3
	}
	tsStore, err := ts.Open(cfg.Store.TSDatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to open TS store")
		return 3
	}

	clock := money.SystemClock{}
	rng := money.NewMathRandSource(cfg.RandomSeed)

	riskEngine := risk.NewEngine(cfg.Risk.PipMultiplier, cfg.Risk.MaxPositionSizePct, cfg.Risk.MaxDailyLossPct)

	priceFeed := pricesource.NewFeed(clock,
		time.Duration(cfg.Price.CacheTTLSeconds)*time.Second,
		time.Duration(cfg.Price.FetchTimeoutMs)*time.Millisecond,
		unavailableFetch)

	var metricsCollector *metrics.Collector
	var execMetrics execution.Metrics
	if cfg.Obs.MetricsAddr != "" {
		metricsCollector = metrics.New()
		execMetrics = metricsCollector
	}

	execEngine := execution.New(sotStore, tsStore, priceFeed, clock, rng, cfg.Execution, execMetrics)

	views := equityView{}
	queue := pending.New(sotStore, riskEngine, priceFeed, views, execEngine)

	pyramidMgr, err := pyramid.Open(sotStore.DB(), sotStore, queue, execEngine, priceFeed, clock)
	if err != nil {
		log.Error().Err(err).Msg("failed to open pyramid manager")
		return 3
	}

	hub := broadcast.NewHub(log.Logger)
	var broadcasters []interface {
		PublishFill(sot.Order, sot.Fill)
	}
	broadcasters = append(broadcasters, hub)
	if cfg.Obs.NATSURL != "" {
		if nc, err := broadcast.NewNATSPublisher(cfg.Obs.NATSURL, "paperdesk.fills", log.Logger); err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, continuing with hub-only broadcast")
		} else {
			defer nc.Close()
			broadcasters = append(broadcasters, nc)
		}
	}
	multiBroadcast := broadcast.NewMultiBroadcaster(broadcasters...)

	var telegram *notify.Telegram
	if cfg.Obs.TelegramToken != "" {
		tg, err := notify.New(cfg.Obs.TelegramToken, cfg.Obs.TelegramChatID, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("telegram unavailable")
		} else {
			telegram = tg
		}
	}

	breaker := coordinator.NewCircuitBreaker(5, func() {
		log.Error().Msg("circuit breaker tripped: repeated fatal errors applying fills")
		if telegram != nil {
			telegram.CircuitBreakerTripped(errCircuitTripped)
		}
	})
	coord := coordinator.New(execEngine.Events(), tsStore, pyramidMgr, multiBroadcast, breaker, log.Logger)

	auditExporter := audit.NewExporter(sotStore, cfg.Obs.AuditParquetPath, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	runBG := func(fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	runBG(func(ctx context.Context) { execEngine.RunStopScanner(ctx) })
	runBG(func(ctx context.Context) { execEngine.RunLatencyDispatcher(ctx, 50*time.Millisecond) })
	runBG(func(ctx context.Context) { pyramidMgr.RunTimer(ctx, cfg.Pyramid.Interval()) })
	runBG(func(ctx context.Context) { pyramidMgr.RunResolutionHook(ctx, queue.Resolved()) })
	runBG(func(ctx context.Context) { coord.Run(ctx) })
	runBG(func(ctx context.Context) { auditExporter.Run(ctx, time.Duration(cfg.Obs.AuditIntervalMs)*time.Millisecond) })

	var metricsSrv *http.Server
	if metricsCollector != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsCollector.Handler())
		metricsSrv = &http.Server{Addr: cfg.Obs.MetricsAddr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if telegram != nil {
		telegram.Startup("paper")
	}
	log.Info().Msg("paperdesk running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("shutdown signal received")
	cancel()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	wg.Wait()

	log.Info().Msg("shutdown complete")
	return 130
}

// unavailableFetch is the default upstream price fetcher when no real
// exchange client is configured: the PriceSource starts with an empty
// cache and every CurrentPrice call surfaces ErrPriceSourceUnavailable
// until a caller wires a real fetch function for production use.
// Paper-trading semantics never depend on this for MARKET/LIMIT execution
// (spec.md §4.2) — only the stop-loss scanner and dashboards need a live
// feed.
func unavailableFetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, errNoPriceFeedConfigured
}

var errNoPriceFeedConfigured = noFeedError{}
var errCircuitTripped = circuitTripError{}

type noFeedError struct{}

func (noFeedError) Error() string { return "no upstream price feed configured" }

type circuitTripError struct{}

func (circuitTripError) Error() string { return "repeated fatal errors applying fills to the trade store" }

// equityView is the default ViewProvider: zero equity, which makes C5's
// position-size and daily-loss checks into no-ops (spec.md §4.5 "Equity
// == 0 ⇒ pass") until a real equity source is wired.
type equityView struct{}

func (equityView) PositionView() (risk.PositionView, error) {
	return risk.PositionView{}, nil
}
