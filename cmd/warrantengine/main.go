// Command warrantengine is the control-plane entrypoint: load config, wait
// for the trading session (unless --gate=skip), recover order tracking from
// the broker, then run the per-tick orchestrator until signalled to stop.
//
// Boot sequence: flag parsing, env/config load, component wiring, then
// graceful shutdown via signal.NotifyContext.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/autosymbol"
	"github.com/hkwarrants/engine/internal/broker"
	"github.com/hkwarrants/engine/internal/broker/paper"
	"github.com/hkwarrants/engine/internal/broker/wsfeed"
	"github.com/hkwarrants/engine/internal/calendar"
	"github.com/hkwarrants/engine/internal/config"
	"github.com/hkwarrants/engine/internal/executor"
	"github.com/hkwarrants/engine/internal/ledger"
	"github.com/hkwarrants/engine/internal/lifecycle"
	"github.com/hkwarrants/engine/internal/ordermonitor"
	"github.com/hkwarrants/engine/internal/orchestrator"
	"github.com/hkwarrants/engine/internal/ratelimiter"
	"github.com/hkwarrants/engine/internal/registry"
	"github.com/hkwarrants/engine/internal/risk"
	"github.com/hkwarrants/engine/internal/strategy"
	"github.com/hkwarrants/engine/internal/taskqueue"
	"github.com/hkwarrants/engine/internal/tradelog"
	"github.com/hkwarrants/engine/internal/types"
	"github.com/hkwarrants/engine/internal/verifier"
)

func main() {
	gateMode := flag.String("gate", "", "runtime gate mode: strict|skip (overrides GATE_MODE)")
	configPath := flag.String("config", "config.yaml", "path to the monitor-list YAML config")
	envPath := flag.String("env", ".env", "path to a .env file")
	dryRun := flag.Bool("dry-run", false, "force the in-memory paper broker regardless of config")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		log.Fatalf("[Startup] load env: %v", err)
	}
	cfg, err := config.LoadYAML(*configPath)
	if err != nil {
		log.Fatalf("[Startup] load config: %v", err)
	}
	if *gateMode != "" {
		cfg.GateMode = *gateMode
	}
	if *dryRun {
		cfg.DryRun = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("[Startup] %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	gate := orchestrator.NewTradeGate()
	reg := registry.New()
	recorder := ledger.New()
	riskChecker := risk.New()
	cal := calendar.New(time.Local, nil, nil)

	var client broker.Client = paper.New()
	if cfg.BridgeURL != "" {
		feed := wsfeed.New(cfg.BridgeURL)
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[WARN] wsfeed run loop exited: %v", err)
			}
		}()
		defer feed.Close()
		// feed is only run and closed here: no callback is registered on
		// it, so the order events it decodes are dropped. Order changes
		// reach the order monitor through client; the paper broker calls
		// back synchronously on fill.
		_ = feed
	}

	resolver := orchestrator.NewConfigResolver(cfg)

	monCfg := ordermonitor.Config{
		PriceUpdateInterval: cfg.PriceUpdateInterval(),
		PriceTickThreshold:  decimal.NewFromFloat(0.01),
		BuyTimeoutEnabled:   cfg.Global.BuyOrderTimeout.Enabled,
		BuyTimeout:          time.Duration(cfg.Global.BuyOrderTimeout.TimeoutSeconds) * time.Second,
		SellTimeoutEnabled:  cfg.Global.SellOrderTimeout.Enabled,
		SellTimeout:         time.Duration(cfg.Global.SellOrderTimeout.TimeoutSeconds) * time.Second,
		Decimals:            cfg.Global.PriceDecimals,
	}
	monitor := ordermonitor.New(monCfg, client, recorder, reg, resolver, gate.IsExecutionAllowed)
	client.SetOnOrderChanged(monitor.OnOrderChanged)

	maxCalls, window := cfg.RateLimiterParams()
	limiter := ratelimiter.New(maxCalls, window)
	defaultOrderType := types.OrderType(cfg.Global.TradingOrderType)
	if defaultOrderType == "" {
		defaultOrderType = types.OrderTypeELO
	}
	liquidationOrderType := types.OrderType(cfg.Global.LiquidationOrderType)
	if liquidationOrderType == "" {
		liquidationOrderType = types.OrderTypeMO
	}
	exec := executor.New(client, monitor, recorder, limiter, gate, cfg.Global.PriceDecimals, defaultOrderType, liquidationOrderType)

	finder := autosymbol.NewBrokerWarrantFinder(client, func(monitor string) (string, bool) {
		for _, m := range cfg.Monitors {
			if m.MonitorSymbol == monitor {
				return monitor, true
			}
		}
		return "", false
	})
	for _, m := range cfg.Monitors {
		finder.SetCriteria(m.MonitorSymbol, types.Long, autosymbol.FindCriteria{
			ExpiryMinMonths: m.AutoSearch.ExpiryMinMonths, MinDistancePct: m.AutoSearch.MinDistancePctBull, MinTurnoverPerMin: m.AutoSearch.MinTurnoverPerMinuteBull,
		})
		finder.SetCriteria(m.MonitorSymbol, types.Short, autosymbol.FindCriteria{
			ExpiryMinMonths: m.AutoSearch.ExpiryMinMonths, MinDistancePct: m.AutoSearch.MinDistancePctBear, MinTurnoverPerMin: m.AutoSearch.MinTurnoverPerMinuteBear,
		})
	}
	auto := autosymbol.New(reg, riskChecker, recorder, exec, finder, client)
	auto.SetBuyCanceller(monitor)

	sigproc := strategy.NewProcessor(recorder, riskChecker)
	v := verifier.New()
	queues := taskqueue.NewQueues()

	var seatKeys []types.SeatKey
	for _, m := range cfg.Monitors {
		seatKeys = append(seatKeys, types.SeatKey{Monitor: m.MonitorSymbol, Direction: types.Long}, types.SeatKey{Monitor: m.MonitorSymbol, Direction: types.Short})
	}
	domains := []lifecycle.CacheDomain{
		orchestrator.NewOrderRecorderDomain(recorder),
		orchestrator.NewRiskCacheDomain(riskChecker),
		orchestrator.NewSeatRegistryDomain(reg, seatKeys),
	}
	life := lifecycle.New(domains, cfg.RebuildRetryDelay())

	trades := tradelog.New("logs/trades")

	orch := orchestrator.New(cfg, client, reg, recorder, riskChecker, monitor, exec, auto, sigproc, v, queues, life, cal, trades, gate)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[WARN] metrics server: %v", err)
		}
	}()
	defer server.Close()

	if err := orch.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	log.Printf("[Startup] recovery complete, entering tick loop (gate=%s)", cfg.GateMode)

	orch.Run(ctx, 2*time.Second)
	log.Printf("[Shutdown] context cancelled, exiting")
	return nil
}
