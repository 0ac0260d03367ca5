package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"futures-engine/internal/api"
	"futures-engine/internal/engine"
	"futures-engine/internal/events"
	"futures-engine/internal/ledger"
	"futures-engine/internal/monitor"
	"futures-engine/internal/reconcile"
	"futures-engine/internal/shutdown"
	"futures-engine/internal/stream"
	"futures-engine/pkg/cache"
	"futures-engine/pkg/config"
	"futures-engine/pkg/exchange"
	"futures-engine/pkg/logging"
	"futures-engine/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	budget, err := exchange.NewRateBudget(cfg.Trading.Budget.WeightPerMinute, cfg.Trading.Budget.RequestsPerSecond, log)
	if err != nil {
		return err
	}
	client := exchange.New(exchange.Config{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		Testnet:    cfg.Testnet,
		RecvWindow: cfg.RecvWindow,
	}, budget, cache.New(), log)
	client.StartTimeSync(ctx)

	flag, err := st.GetEmergencyFlag(ctx)
	if err != nil {
		return err
	}
	if flag.Active {
		log.Warn("emergency flag is set from a prior run; exchange positions will be reported, not adopted",
			zap.String("reason", flag.Reason), zap.Time("set_at", flag.SetAt))
	}

	led := ledger.New()
	bus := events.NewBus()
	metrics := monitor.New(led, budget)
	go metrics.Watch(ctx, bus)

	eng := engine.New(cfg.Trading, client, led, st, bus, log)
	go eng.Run(ctx)

	restorePositions(ctx, st, eng, led, log)

	streamCfg := stream.Config{
		Testnet:          cfg.Testnet,
		MaxSubscriptions: cfg.Trading.Stream.MaxSubscriptions,
		Staleness:        cfg.Trading.Stream.Staleness.Std(),
		ReconnectBase:    cfg.Trading.Stream.ReconnectBase.Std(),
		ReconnectCap:     cfg.Trading.Stream.ReconnectCap.Std(),
		MaxReconnects:    cfg.Trading.Stream.MaxReconnects,
	}
	market := stream.NewMarketStream(streamCfg, client, bus, log)
	if err := market.Start(ctx, cfg.Symbols); err != nil {
		return fmt.Errorf("start market stream: %w", err)
	}
	user := stream.NewUserStream(streamCfg, client, bus, log)
	user.Start(ctx)

	recon := reconcile.New(eng, client, st, bus, log, cfg.Trading.ReconcileInterval.Std())
	if err := recon.ReconcileOnce(ctx); err != nil {
		log.Warn("initial reconcile failed", zap.Error(err))
	}
	go recon.Run(ctx)

	server := api.NewServer(eng, st, st, budget, market, user, metrics.Handler(), log)
	go func() {
		if err := server.Run(ctx, ":"+cfg.Port); err != nil {
			log.Error("api server stopped", zap.Error(err))
		}
	}()

	log.Info("engine started",
		zap.Strings("symbols", cfg.Symbols),
		zap.Bool("testnet", cfg.Testnet),
		zap.Int("leverage", cfg.Trading.Leverage))

	ctrl := shutdown.New(eng, st, log,
		cfg.Trading.GracefulTimeout.Std(), cfg.Trading.GracefulPollInterval.Std())
	state := ctrl.Run(ctx)

	// Tear down: release the listen key while the REST client still works,
	// then stop every loop.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	user.Close(closeCtx)
	closeCancel()
	cancel()

	log.Info("engine stopped", zap.String("final_state", string(state)))
	return nil
}

// restorePositions warms the ledger from the last run's snapshots and re-runs
// the protection protocol over each, replacing whatever stale protective
// orders the crash left behind.
func restorePositions(ctx context.Context, st *store.Store, eng *engine.Engine, led *ledger.Ledger, log *zap.Logger) {
	rows, err := st.ListPositions(ctx)
	if err != nil {
		log.Warn("restore position snapshots", zap.Error(err))
		return
	}
	for _, row := range rows {
		err := led.Open(ledger.Position{
			Symbol:     row.Symbol,
			Side:       exchange.Side(row.Side),
			Qty:        row.Qty,
			EntryPrice: row.EntryPrice,
			Leverage:   row.Leverage,
			State:      ledger.StateOpenUnprotected,
			OpenedAt:   row.OpenedAt,
		})
		if err != nil {
			log.Warn("restore position", zap.String("symbol", row.Symbol), zap.Error(err))
			continue
		}
		log.Info("restored position from snapshot",
			zap.String("symbol", row.Symbol), zap.Float64("qty", row.Qty))
		if err := eng.Protect(ctx, row.Symbol); err != nil {
			log.Error("re-protect restored position",
				zap.String("symbol", row.Symbol), zap.Error(err))
		}
	}
}
