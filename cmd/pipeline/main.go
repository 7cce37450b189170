// Command pipeline is the Signal-to-Order Pipeline process: it wires the
// storage, exchange, gate, placement, and protection layers together and
// runs the Signal Monitor and Reconciler loops until a shutdown signal
// arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oakridge-systems/signalpipeline/config"
	"github.com/oakridge-systems/signalpipeline/exchange"
	"github.com/oakridge-systems/signalpipeline/gate"
	"github.com/oakridge-systems/signalpipeline/monitor"
	"github.com/oakridge-systems/signalpipeline/notifier"
	"github.com/oakridge-systems/signalpipeline/placer"
	"github.com/oakridge-systems/signalpipeline/protection"
	"github.com/oakridge-systems/signalpipeline/reconcile"
	"github.com/oakridge-systems/signalpipeline/runlock"
	"github.com/oakridge-systems/signalpipeline/signal/feed"
	"github.com/oakridge-systems/signalpipeline/storage"
	"github.com/oakridge-systems/signalpipeline/trace"
)

const version = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════

	config.LoadDotEnv()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if config.DebugLevelEnabled() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════")
	log.Info().Msgf("  signal-to-order pipeline %s", version)
	log.Info().Msg("═══════════════════════════════════════════════════════")

	env := config.LoadEnvironment()

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 1: STORAGE
	// ═══════════════════════════════════════════════════════════════════

	db, err := storage.Open(env.StorageDriver, env.StorageDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	log.Info().Str("driver", env.StorageDriver).Msg("storage layer initialized")

	rules, err := config.NewAccessor(env.StrategyRulesPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", env.StrategyRulesPath).Msg("failed to load strategy rules document")
	}
	log.Info().Str("path", env.StrategyRulesPath).Msg("strategy rules document loaded")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 2: EXCHANGE + NOTIFIER
	// ═══════════════════════════════════════════════════════════════════

	client := exchange.NewClientFromEnv()
	notify := notifier.NewFromEnv()
	if notify.Enabled() {
		log.Info().Msg("notifier enabled")
	} else {
		log.Warn().Msg("notifier disabled, alerts will only be recorded to storage")
	}

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 2.5: MARKET DATA FEED
	// ═══════════════════════════════════════════════════════════════════

	stream := feed.NewStream(env.MarketDataWSURL)
	stream.Start()
	go func() {
		for snap := range stream.Subscribe() {
			if err := db.SaveSnapshot(snap); err != nil {
				log.Error().Err(err).Str("symbol", snap.Symbol).Msg("failed to persist market snapshot")
			}
		}
	}()
	log.Info().Str("url", env.MarketDataWSURL).Msg("market data feed wired")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 3: DECISION GATE
	// ═══════════════════════════════════════════════════════════════════

	idem := reconcile.NewIdempotencyCache(db, os.Getenv("REDIS_ADDR"))
	g := gate.New(db, idem, gate.Config{
		MaxOpenTrades:        env.MaxOpenTradesPerBase,
		RecentOrdersCooldown: env.RecentOrdersCooldown,
		IdempotencyWindow:    env.IdempotencyWindow,
		PortfolioNotionalCap: env.PortfolioNotionalCap,
		Scope:                gate.ScopeBase,
	})
	log.Info().Msg("decision gate initialized")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 4: PLACEMENT + PROTECTION
	// ═══════════════════════════════════════════════════════════════════

	p := placer.New(client, db, env.InstrumentCacheTTL)
	prot := protection.New(client, db, notify)
	tw := trace.New(db)
	log.Info().Msg("placer and protection manager initialized")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 5: RECONCILER
	// ═══════════════════════════════════════════════════════════════════

	reconciler := reconcile.New(client, db, notify, env.ReconcilerInterval)
	if err := reconciler.RunOnce(context.Background()); err != nil {
		log.Error().Err(err).Msg("startup reconciliation pass failed, continuing with stale balances")
	} else {
		log.Info().Msg("startup reconciliation pass complete")
	}

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 6: RUN LOCK + MONITOR
	// ═══════════════════════════════════════════════════════════════════

	conn, err := db.Conn()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to obtain a raw database connection for the run lock")
	}
	lock := runlock.New(conn, env.StorageDriver)

	mon := monitor.New(db, rules, g, p, prot, tw, notify, reconciler, lock, env.MonitorTickInterval)
	log.Info().Dur("tick_interval", env.MonitorTickInterval).Msg("signal monitor initialized")

	// ═══════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════

	ctx, cancel := context.WithCancel(context.Background())

	go reconciler.Run(ctx)
	go mon.Run(ctx)

	log.Info().Msg("pipeline running")

	// ═══════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("shutdown signal received")
	cancel()
	reconciler.Stop()
	stream.Stop()

	// give the in-flight cycle a moment to release the run lock and finish
	// any pending protection attachment before the process exits.
	time.Sleep(2 * time.Second)

	log.Info().Msg("shutdown complete")
}
