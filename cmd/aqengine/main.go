package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/alerts"
	"github.com/web3guy0/aqengine/aqengine/config"
	"github.com/web3guy0/aqengine/aqengine/orchestrator"
	"github.com/web3guy0/aqengine/aqengine/persistence"
	"github.com/web3guy0/aqengine/aqengine/venue"
)

const version = "v1.0"

// marketEntry is the JSON shape read from MARKETS_CONFIG_PATH — the static
// handoff from the out-of-scope market-discovery service (§1) into this
// process. Field names mirror MarketMeta so the file can be generated
// directly from that service's own output.
type marketEntry struct {
	Token         string `json:"token"`
	PairedToken   string `json:"paired_token"`
	ConditionID   string `json:"condition_id"`
	MarketName    string `json:"market_name"`
	MarketStartAt int64  `json:"market_start_unix"`
	MarketEndAt   int64  `json:"market_end_unix"`
	TickSize      string `json:"tick_size"`
}

func loadMarkets(path string) []orchestrator.MarketMeta {
	if path == "" {
		log.Warn().Msg("no MARKETS_CONFIG_PATH set, starting with zero markets")
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to read markets config")
	}
	var entries []marketEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Fatal().Err(err).Msg("failed to parse markets config")
	}

	metas := make([]orchestrator.MarketMeta, 0, len(entries))
	for _, e := range entries {
		tick, err := decimal.NewFromString(e.TickSize)
		if err != nil {
			tick = decimal.NewFromFloat(0.01)
		}
		metas = append(metas, orchestrator.MarketMeta{
			Token:       e.Token,
			PairedToken: e.PairedToken,
			ConditionID: e.ConditionID,
			MarketName:  e.MarketName,
			MarketStart: time.Unix(e.MarketStartAt, 0),
			MarketEnd:   time.Unix(e.MarketEndAt, 0),
			TickSize:    tick,
		})
	}
	return metas
}

func main() {
	// ═══════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════")
	log.Info().Msgf("  ACTIVE QUOTING ENGINE %s", version)
	log.Info().Msg("═══════════════════════════════════════════════════")

	cfg := config.Load()

	// ═══════════════════════════════════════════════════════════════
	// PERSISTENCE
	// ═══════════════════════════════════════════════════════════════

	store, err := persistence.Open(cfg.DatabaseURL, persistence.DefaultConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open persistence store")
	}

	// ═══════════════════════════════════════════════════════════════
	// VENUE CLIENT (REST + on-chain redemption)
	// ═══════════════════════════════════════════════════════════════

	venueClient, err := venue.New(venue.Credentials{
		BaseURL:          cfg.VenueAPIURL,
		WalletPrivateKey: cfg.WalletPrivateKey,
		FunderAddress:    cfg.VenueFunderAddress,
		APIKey:           cfg.APIKey,
		APISecret:        cfg.APISecret,
		Passphrase:       cfg.APIPassphrase,
		DryRun:           cfg.DryRun,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize venue client")
	}
	venueClient.DialChain(cfg.RPCURL)

	// ═══════════════════════════════════════════════════════════════
	// ALERTS
	// ═══════════════════════════════════════════════════════════════

	notifier, err := alerts.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("telegram init failed, falling back to disabled alerts")
		notifier, _ = alerts.New("", cfg.TelegramChatID)
	}

	// ═══════════════════════════════════════════════════════════════
	// ORCHESTRATOR
	// ═══════════════════════════════════════════════════════════════

	engine := orchestrator.New(cfg, venueClient, store, notifier)
	markets := loadMarkets(os.Getenv("MARKETS_CONFIG_PATH"))
	engine.Start(markets)

	log.Info().Int("markets", len(markets)).Bool("dry_run", cfg.DryRun).Msg("🚀 running")

	// ═══════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigCh

	log.Warn().Str("signal", sig.String()).Msg("🛑 shutdown signal received")
	engine.Stop(sig.String())
}
