// Package persistence is the GORM-backed durable store of the external
// interfaces list (§6): session lifecycle, positions, fills, and markout
// samples. It follows internal/database/database.go's dial pattern
// (Postgres when the DSN carries a postgres:// prefix, SQLite otherwise,
// AutoMigrate on connect) and persistence.py's session/position/fill/markout
// surface (Part D item 5), translated from "silently fail and keep trading"
// into idiomatic Go: every method returns an error, but the Orchestrator
// never treats a persistence failure as fatal — it logs and continues.
package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/aqengine/aqengine/types"
)

// Session is one run of the engine, opened at startup and closed at
// shutdown with final aggregate stats (persistence.py's session row).
type Session struct {
	ID             string `gorm:"primaryKey"`
	Markets        string // comma-joined token IDs
	ConfigSnapshot string // JSON
	Status         string // RUNNING, STOPPED, CRASHED
	TotalFills     int
	TotalVolume    decimal.Decimal `gorm:"type:decimal(20,6)"`
	TotalNotional  decimal.Decimal `gorm:"type:decimal(20,6)"`
	NetFees        decimal.Decimal `gorm:"type:decimal(20,6)"`
	RealizedPnL    decimal.Decimal `gorm:"type:decimal(20,6)"`
	StartedAt      time.Time
	EndedAt        *time.Time
}

// PositionRow mirrors one token's current inventory.
type PositionRow struct {
	TokenID       string `gorm:"primaryKey"`
	MarketName    string
	Size          decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgPrice      decimal.Decimal `gorm:"type:decimal(10,6)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(20,6)"`
	TotalFees     decimal.Decimal `gorm:"type:decimal(20,6)"`
	UpdatedAt     time.Time
}

// FillRow is one recorded fill, with the mid price observed at fill time.
type FillRow struct {
	FillID     string `gorm:"primaryKey"`
	SessionID  string `gorm:"index"`
	TokenID    string `gorm:"index"`
	MarketName string
	Side       string
	Price      decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size       decimal.Decimal `gorm:"type:decimal(20,6)"`
	Fee        decimal.Decimal `gorm:"type:decimal(20,6)"`
	MidAtFill  decimal.Decimal `gorm:"type:decimal(10,6)"`
	OrderID    string
	TradeID    string
	Timestamp  time.Time
}

// MarkoutRow is one fill's markout observation at one horizon.
type MarkoutRow struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	FillID         string `gorm:"index"`
	HorizonSeconds int
	MidAtFill      decimal.Decimal `gorm:"type:decimal(10,6)"`
	MidAtHorizon   decimal.Decimal `gorm:"type:decimal(10,6)"`
	Markout        decimal.Decimal `gorm:"type:decimal(20,6)"`
	MarkoutBps     decimal.Decimal `gorm:"type:decimal(10,4)"`
	Captured       bool
	CreatedAt      time.Time
}

// Config toggles which persistence surfaces are active, mirroring
// persistence.py's PersistenceConfig dataclass.
type Config struct {
	Enabled       bool
	SavePositions bool
	SaveFills     bool
	SaveMarkouts  bool
	SaveSessions  bool
}

// DefaultConfig enables every surface.
func DefaultConfig() Config {
	return Config{Enabled: true, SavePositions: true, SaveFills: true, SaveMarkouts: true, SaveSessions: true}
}

// Store is the persistence layer. A nil *gorm.DB (dsn == "") degrades every
// method to a harmless no-op, matching persistence.py's DB_AVAILABLE guard.
type Store struct {
	cfg       Config
	db        *gorm.DB
	sessionID string
}

// Open dials dsn (Postgres if it carries a postgres(ql):// prefix, SQLite
// otherwise) and auto-migrates every model. An empty dsn returns a Store
// with persistence disabled rather than erroring, since the engine must be
// able to run with persistence off entirely.
func Open(dsn string, cfg Config) (*Store, error) {
	if dsn == "" || !cfg.Enabled {
		log.Warn().Msg("💾 persistence disabled (no DATABASE_URL or config.Enabled=false)")
		return &Store{cfg: cfg}, nil
	}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("💾 persistence connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("💾 persistence initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Session{}, &PositionRow{}, &FillRow{}, &MarkoutRow{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{cfg: cfg, db: db}, nil
}

func (s *Store) isEnabled() bool { return s.db != nil && s.cfg.Enabled }

// IsEnabled reports whether this store is backed by a live database.
func (s *Store) IsEnabled() bool { return s.isEnabled() }

// SessionID returns the currently open session ID, if any.
func (s *Store) SessionID() string { return s.sessionID }

// StartSession opens a new session row (or, with persistence disabled,
// simply mints a local session ID so callers can still tag records).
func (s *Store) StartSession(tokens []string, configSnapshot string) string {
	s.sessionID = uuid.NewString()
	if !s.isEnabled() || !s.cfg.SaveSessions {
		return s.sessionID
	}
	row := Session{
		ID:             s.sessionID,
		Markets:        strings.Join(tokens, ","),
		ConfigSnapshot: configSnapshot,
		Status:         "RUNNING",
		StartedAt:      time.Now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		log.Error().Err(err).Msg("💾 failed to start session")
	} else {
		log.Info().Str("session_id", s.sessionID).Msg("💾 session started")
	}
	return s.sessionID
}

// SessionStats bundles the final counters recorded at session end.
type SessionStats struct {
	TotalFills    int
	TotalVolume   decimal.Decimal
	TotalNotional decimal.Decimal
	NetFees       decimal.Decimal
	RealizedPnL   decimal.Decimal
}

// EndSession closes the current session with a final status and stats.
func (s *Store) EndSession(status string, stats SessionStats) {
	if !s.isEnabled() || !s.cfg.SaveSessions || s.sessionID == "" {
		return
	}
	now := time.Now().UTC()
	updates := map[string]any{
		"status":         status,
		"ended_at":       now,
		"total_fills":    stats.TotalFills,
		"total_volume":   stats.TotalVolume,
		"total_notional": stats.TotalNotional,
		"net_fees":       stats.NetFees,
		"realized_pnl":   stats.RealizedPnL,
	}
	if err := s.db.Model(&Session{}).Where("id = ?", s.sessionID).Updates(updates).Error; err != nil {
		log.Error().Err(err).Msg("💾 failed to end session")
		return
	}
	log.Info().Str("session_id", s.sessionID).Str("status", status).Msg("💾 session ended")
}

// SavePosition upserts one token's current inventory snapshot.
func (s *Store) SavePosition(p types.Position, marketName string) {
	if !s.isEnabled() || !s.cfg.SavePositions {
		return
	}
	row := PositionRow{
		TokenID:     p.Token,
		MarketName:  marketName,
		Size:        p.Size,
		AvgPrice:    p.AvgEntryPrice,
		RealizedPnL: p.RealizedPnL,
		TotalFees:   p.TotalFeesPaid,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.db.Save(&row).Error; err != nil {
		log.Error().Err(err).Str("token", p.Token).Msg("💾 failed to save position")
	}
}

// LoadPositions returns every persisted position, keyed by token, used to
// rehydrate the Inventory Manager on restart.
func (s *Store) LoadPositions() map[string]types.Position {
	out := make(map[string]types.Position)
	if !s.isEnabled() || !s.cfg.SavePositions {
		return out
	}
	var rows []PositionRow
	if err := s.db.Find(&rows).Error; err != nil {
		log.Error().Err(err).Msg("💾 failed to load positions")
		return out
	}
	for _, r := range rows {
		out[r.TokenID] = types.Position{
			Token:         r.TokenID,
			Size:          r.Size,
			AvgEntryPrice: r.AvgPrice,
			RealizedPnL:   r.RealizedPnL,
			TotalFeesPaid: r.TotalFees,
		}
	}
	log.Info().Int("count", len(out)).Msg("💾 positions loaded")
	return out
}

// ClearPosition deletes one token's persisted position row, called once a
// market has been fully wound down and redeemed.
func (s *Store) ClearPosition(token string) {
	if !s.isEnabled() || !s.cfg.SavePositions {
		return
	}
	if err := s.db.Where("token_id = ?", token).Delete(&PositionRow{}).Error; err != nil {
		log.Error().Err(err).Str("token", token).Msg("💾 failed to clear position")
	}
}

// SaveFill persists a fill, tagging it with the current session and the mid
// price observed at fill time.
func (s *Store) SaveFill(f types.Fill, marketName string, midAtFill decimal.Decimal) {
	if !s.isEnabled() || !s.cfg.SaveFills {
		return
	}
	fillID := f.TradeID
	if fillID == "" {
		fillID = fmt.Sprintf("%s_%d", f.OrderID, f.Timestamp.UnixNano())
	}
	row := FillRow{
		FillID:     fillID,
		SessionID:  s.sessionID,
		TokenID:    f.Token,
		MarketName: marketName,
		Side:       string(f.Side),
		Price:      f.Price,
		Size:       f.Size,
		Fee:        f.Fee,
		MidAtFill:  midAtFill,
		OrderID:    f.OrderID,
		TradeID:    f.TradeID,
		Timestamp:  f.Timestamp,
	}
	if err := s.db.Create(&row).Error; err != nil {
		log.Error().Err(err).Str("fill_id", fillID).Msg("💾 failed to save fill")
	}
}

// SaveMarkout persists one fill's markout sample at one horizon.
func (s *Store) SaveMarkout(fillID string, horizonSecs int, midAtFill, midAtHorizon, markout, markoutBps decimal.Decimal, captured bool) {
	if !s.isEnabled() || !s.cfg.SaveMarkouts {
		return
	}
	row := MarkoutRow{
		FillID:         fillID,
		HorizonSeconds: horizonSecs,
		MidAtFill:      midAtFill,
		MidAtHorizon:   midAtHorizon,
		Markout:        markout,
		MarkoutBps:     markoutBps,
		Captured:       captured,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		log.Error().Err(err).Str("fill_id", fillID).Msg("💾 failed to save markout")
	}
}

// LoadPendingMarkouts returns markout rows that were never captured,
// recovered on startup so the analytics engine can resume watching them.
func (s *Store) LoadPendingMarkouts() []MarkoutRow {
	if !s.isEnabled() || !s.cfg.SaveMarkouts {
		return nil
	}
	var rows []MarkoutRow
	if err := s.db.Where("captured = ?", false).Find(&rows).Error; err != nil {
		log.Error().Err(err).Msg("💾 failed to load pending markouts")
		return nil
	}
	log.Info().Int("count", len(rows)).Msg("💾 pending markouts loaded")
	return rows
}

// DB returns the underlying *gorm.DB, or nil when persistence is disabled.
// The event ledger shares this connection rather than dialing its own, so
// the engine opens exactly one database handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying database connection, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
