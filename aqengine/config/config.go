// Package config loads the quoting engine's enumerated configuration surface
// (SPEC_FULL.md §6) from a .env file plus process environment, following the
// envDecimalRM/envIntRM helper idiom the teacher repo uses throughout.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Config is the full set of tunables the engine needs at startup. Every
// decimal-valued field parses through decimal.NewFromString, never float64.
type Config struct {
	// Quote sizing / limits.
	OrderSizeUSDC         decimal.Decimal
	MaxPositionPerMarket  decimal.Decimal
	MinQuoteSize          decimal.Decimal
	MaxSpreadPct          decimal.Decimal

	// Refresh control.
	MinRefreshIntervalMS int
	GlobalRefreshCapPerSec int

	// Risk.
	MaxDrawdownPerMarketUSDC decimal.Decimal
	MaxDrawdownGlobalUSDC    decimal.Decimal
	StaleFeedTimeoutSeconds  int
	MaxConsecutiveErrors     int
	CircuitBreakerRecoverySeconds int

	// WS gap handling.
	WSGapReconcileAttempts      int
	WSGapRecoveryIntervalSeconds int
	HaltOnWSGaps                bool

	// Wind-down / redemption.
	WindDownStartSeconds        int
	WindDownTakerThresholdSeconds int
	WindDownTakerPriceThreshold  decimal.Decimal
	RedemptionInitialDelaySeconds int
	RedemptionRetryIntervalSeconds int
	RedemptionMaxAttempts         int

	// Momentum.
	CancelOnMomentum bool
	MomentumCooldownSeconds int

	// Orchestrator cadence.
	TickIntervalMS          int
	PositionSyncIntervalSec int
	ReconcileIntervalSec    int
	DailySummaryIntervalHr  int
	PostCancelSettleMS      int

	// Markout horizons (seconds).
	MarkoutHorizonsSeconds []int

	// Mode.
	DryRun bool

	// Venue.
	VenueAPIURL    string
	VenueWSURL     string
	VenueUserWSURL string
	VenueFunderAddress string
	APIKey         string
	APISecret      string
	APIPassphrase  string

	// Persistence.
	DatabaseURL string

	// Alerts.
	TelegramToken  string
	TelegramChatID int64

	// Wallet / signing.
	WalletPrivateKey string
	RPCURL           string
}

// Load reads .env (if present) then process env, applying the defaults named
// throughout SPEC_FULL.md §6.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using process environment")
	}

	cfg := &Config{
		OrderSizeUSDC:        envDecimal("ORDER_SIZE_USDC", 5),
		MaxPositionPerMarket: envDecimal("MAX_POSITION_PER_MARKET", 100),
		MinQuoteSize:         envDecimal("MIN_QUOTE_SIZE", 5),
		MaxSpreadPct:         envDecimal("MAX_SPREAD_PCT", 0.02),

		MinRefreshIntervalMS:   envInt("MIN_REFRESH_INTERVAL_MS", 500),
		GlobalRefreshCapPerSec: envInt("GLOBAL_REFRESH_CAP_PER_SEC", 10),

		MaxDrawdownPerMarketUSDC:      envDecimal("MAX_DRAWDOWN_PER_MARKET_USDC", 25),
		MaxDrawdownGlobalUSDC:         envDecimal("MAX_DRAWDOWN_GLOBAL_USDC", 100),
		StaleFeedTimeoutSeconds:       envInt("STALE_FEED_TIMEOUT_SECONDS", 30),
		MaxConsecutiveErrors:          envInt("MAX_CONSECUTIVE_ERRORS", 5),
		CircuitBreakerRecoverySeconds: envInt("CIRCUIT_BREAKER_RECOVERY_SECONDS", 60),

		WSGapReconcileAttempts:       envInt("WS_GAP_RECONCILE_ATTEMPTS", 3),
		WSGapRecoveryIntervalSeconds: envInt("WS_GAP_RECOVERY_INTERVAL_SECONDS", 60),
		HaltOnWSGaps:                 envBool("HALT_ON_WS_GAPS", true),

		WindDownStartSeconds:          envInt("WIND_DOWN_START_SECONDS", 300),
		WindDownTakerThresholdSeconds: envInt("WIND_DOWN_TAKER_THRESHOLD_SECONDS", 40),
		WindDownTakerPriceThreshold:   envDecimal("WIND_DOWN_TAKER_PRICE_THRESHOLD", 0.25),
		RedemptionInitialDelaySeconds:  envInt("REDEMPTION_INITIAL_DELAY_SECONDS", 60),
		RedemptionRetryIntervalSeconds: envInt("REDEMPTION_RETRY_INTERVAL_SECONDS", 30),
		RedemptionMaxAttempts:          envInt("REDEMPTION_MAX_ATTEMPTS", 20),

		CancelOnMomentum:        envBool("CANCEL_ON_MOMENTUM", true),
		MomentumCooldownSeconds: envInt("MOMENTUM_COOLDOWN_SECONDS", 10),

		TickIntervalMS:          envInt("TICK_INTERVAL_MS", 100),
		PositionSyncIntervalSec: envInt("POSITION_SYNC_INTERVAL_SEC", 5),
		ReconcileIntervalSec:    envInt("RECONCILE_INTERVAL_SEC", 60),
		DailySummaryIntervalHr:  envInt("DAILY_SUMMARY_INTERVAL_HR", 24),
		PostCancelSettleMS:      envInt("POST_CANCEL_SETTLE_MS", 200),

		MarkoutHorizonsSeconds: envIntList("MARKOUT_HORIZONS_SECONDS", []int{1, 5, 15, 30, 60}),

		DryRun: envBool("DRY_RUN", true),

		VenueAPIURL:    envStr("VENUE_API_URL", "https://clob.polymarket.com"),
		VenueWSURL:     envStr("VENUE_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		VenueUserWSURL: envStr("VENUE_USER_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/user"),
		VenueFunderAddress: os.Getenv("VENUE_FUNDER_ADDRESS"),
		APIKey:         os.Getenv("POLY_API_KEY"),
		APISecret:      os.Getenv("POLY_API_SECRET"),
		APIPassphrase:  os.Getenv("POLY_API_PASSPHRASE"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: envInt64("TELEGRAM_CHAT_ID", 0),

		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		RPCURL:           envStr("RPC_URL", "https://polygon-rpc.com"),
	}

	log.Info().
		Bool("dry_run", cfg.DryRun).
		Str("order_size", cfg.OrderSizeUSDC.String()).
		Str("max_position", cfg.MaxPositionPerMarket.String()).
		Msg("⚙️  configuration loaded")

	return cfg
}

// TickInterval returns the main loop tick as a time.Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// PostCancelSettle returns the post-cancel settle delay as a time.Duration.
func (c *Config) PostCancelSettle() time.Duration {
	return time.Duration(c.PostCancelSettleMS) * time.Millisecond
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDecimal(key string, fallback float64) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.NewFromFloat(fallback)
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envIntList(key string, fallback []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fallback
		}
		out = append(out, i)
	}
	return out
}
