// Package config consolidates environment loading and the strategy-rules
// document accessor behind one typed surface, replacing the
// envFloat/envDecimal/envInt helpers duplicated across the teacher's
// risk/manager.go and strategy/sniper.go.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// LoadDotEnv loads a .env file if present; absence is not an error, matching
// cmd/main.go's godotenv.Load() call.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using process environment")
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}

// Environment is the small environment block named in spec.md §6:
// notifier enablement, cadences, tick interval, per-symbol order cap,
// portfolio cap.
type Environment struct {
	MonitorTickInterval   time.Duration
	ReconcilerInterval    time.Duration
	ExchangeCallTimeout   time.Duration
	MaxOpenTradesPerSymbol int
	MaxOpenTradesPerBase   int
	RecentOrdersCooldown  time.Duration
	IdempotencyWindow     time.Duration
	AuthAlertThrottle     time.Duration
	PortfolioNotionalCap  decimal.Decimal
	InstrumentCacheTTL    time.Duration
	StorageDriver         string
	StorageDSN            string
	StrategyRulesPath     string
	MarketDataWSURL       string
}

// LoadEnvironment reads the environment block, applying the defaults named
// throughout spec.md (30s tick, 15s reconciler, 10s exchange deadline, cap
// of 3 per-symbol open trades, 5-minute recent-orders cooldown, 1-minute
// idempotency bucket widened to a 24h lookback window, 24h auth-alert
// throttle).
func LoadEnvironment() Environment {
	return Environment{
		MonitorTickInterval:    envDuration("MONITOR_TICK_INTERVAL", 30*time.Second),
		ReconcilerInterval:     envDuration("RECONCILER_INTERVAL", 15*time.Second),
		ExchangeCallTimeout:    envDuration("EXCHANGE_CALL_TIMEOUT", 10*time.Second),
		MaxOpenTradesPerSymbol: envInt("MAX_OPEN_TRADES_PER_SYMBOL", 3),
		MaxOpenTradesPerBase:   envInt("MAX_OPEN_TRADES_PER_BASE", 3),
		RecentOrdersCooldown:   envDuration("RECENT_ORDERS_COOLDOWN", 5*time.Minute),
		IdempotencyWindow:      envDuration("IDEMPOTENCY_WINDOW", 24*time.Hour),
		AuthAlertThrottle:      envDuration("AUTH_ALERT_THROTTLE", 24*time.Hour),
		PortfolioNotionalCap:   envDecimal("PORTFOLIO_NOTIONAL_CAP", decimal.NewFromInt(100000)),
		InstrumentCacheTTL:     envDuration("INSTRUMENT_CACHE_TTL", 6*time.Hour),
		StorageDriver:          envString("STORAGE_DRIVER", "postgres"),
		StorageDSN:             os.Getenv("DATABASE_URL"),
		StrategyRulesPath:      envString("STRATEGY_RULES_PATH", "config/strategy_rules.yaml"),
		MarketDataWSURL:        envString("MARKET_DATA_WS_URL", "wss://stream.exchange.example/v1/market-data"),
	}
}

// DebugLevelEnabled mirrors cmd/main.go's DEBUG-env-driven zerolog level
// selection.
func DebugLevelEnabled() bool {
	return envBool("DEBUG", false)
}
