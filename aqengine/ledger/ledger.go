// Package ledger implements the append-only event log of §4.3: every fill,
// order update and reconciliation is recorded with a monotonic internal
// sequence number, and per-source WebSocket sequence numbers are watched for
// gaps.
package ledger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/web3guy0/aqengine/aqengine/types"
)

// Event is one durable ledger row.
type Event struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	SequenceNumber int64  `gorm:"index"`
	EventType      string `gorm:"index"`
	Timestamp      time.Time
	Payload        string // JSON
	Source         string
}

// Gap records one detected WebSocket sequence gap.
type Gap struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	ExpectedStart int64
	ExpectedEnd   int64
	ActualNext    int64
	GapSize       int64
	DetectedAt    time.Time
	ResolvedAt    *time.Time
}

// GapInfo is the in-memory view of a detected, not-yet-cleared gap.
type GapInfo struct {
	ExpectedStart int64
	ExpectedEnd   int64
	ActualNext    int64
	GapSize       int64
	DetectedAt    time.Time
}

// Ledger is the thread-safe append-only event log.
type Ledger struct {
	mu sync.Mutex

	db      *gorm.DB // nil when persistence disabled; ledger still works in-memory
	enabled bool

	sequence      int64
	lastWSSeq     map[string]int64 // keyed by source
	gaps          []GapInfo
	eventsByType  map[types.EventType]int
}

// New constructs a Ledger. db may be nil: events and gaps are then tracked
// in memory only (the append-only guarantee and gap detection still hold,
// just without durability across restarts — a best-effort degradation
// consistent with §6's "all are best-effort" persistence contract).
func New(db *gorm.DB) *Ledger {
	l := &Ledger{
		db:           db,
		enabled:      db != nil,
		lastWSSeq:    make(map[string]int64),
		eventsByType: make(map[types.EventType]int),
	}
	if l.enabled {
		if err := db.AutoMigrate(&Event{}, &Gap{}); err != nil {
			log.Error().Err(err).Msg("ledger auto-migrate failed, falling back to in-memory")
			l.enabled = false
			l.db = nil
		} else {
			var maxSeq int64
			db.Model(&Event{}).Select("COALESCE(MAX(sequence_number), 0)").Scan(&maxSeq)
			l.sequence = maxSeq
		}
	}
	return l
}

// Append records an event and returns its assigned sequence number. When
// wsSequence is non-negative and source is "websocket", a gap check runs
// first so the GAP_DETECTED meta-event precedes the event that revealed it.
func (l *Ledger) Append(eventType types.EventType, payload any, source string, wsSequence int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if wsSequence >= 0 && source == "websocket" {
		l.checkGapLocked(wsSequence, source)
	}

	l.sequence++
	seq := l.sequence
	l.eventsByType[eventType]++

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("ledger: failed to marshal payload")
		body = []byte("{}")
	}

	if l.enabled {
		row := Event{
			SequenceNumber: seq,
			EventType:      string(eventType),
			Timestamp:      time.Now().UTC(),
			Payload:        string(body),
			Source:         source,
		}
		if err := l.db.Create(&row).Error; err != nil {
			log.Error().Err(err).Msg("ledger: failed to persist event")
		}
	}

	return seq
}

// checkGapLocked must be called with mu held.
func (l *Ledger) checkGapLocked(wsSequence int64, source string) {
	last, ok := l.lastWSSeq[source]
	if ok && wsSequence > last+1 {
		gapSize := wsSequence - last - 1
		gap := GapInfo{
			ExpectedStart: last + 1,
			ExpectedEnd:   wsSequence - 1,
			ActualNext:    wsSequence,
			GapSize:       gapSize,
			DetectedAt:    time.Now().UTC(),
		}
		l.gaps = append(l.gaps, gap)

		if l.enabled {
			row := Gap{
				ExpectedStart: gap.ExpectedStart,
				ExpectedEnd:   gap.ExpectedEnd,
				ActualNext:    gap.ActualNext,
				GapSize:       gap.GapSize,
				DetectedAt:    gap.DetectedAt,
			}
			if err := l.db.Create(&row).Error; err != nil {
				log.Error().Err(err).Msg("ledger: failed to persist gap")
			}
		}

		l.sequence++
		l.eventsByType[types.EventGapDetected]++
		if l.enabled {
			body, _ := json.Marshal(gap)
			evRow := Event{
				SequenceNumber: l.sequence,
				EventType:      string(types.EventGapDetected),
				Timestamp:      time.Now().UTC(),
				Payload:        string(body),
				Source:         "system",
			}
			if err := l.db.Create(&evRow).Error; err != nil {
				log.Error().Err(err).Msg("ledger: failed to persist gap event")
			}
		}

		log.Warn().
			Int64("expected", last+1).
			Int64("got", wsSequence).
			Int64("gap_size", gapSize).
			Msg("📉 WebSocket sequence gap detected")
	}
	l.lastWSSeq[source] = wsSequence
}

// LogFill appends a FILL event.
func (l *Ledger) LogFill(f types.Fill) int64 {
	return l.Append(types.EventFill, f, "websocket", f.WSSequence)
}

// LogOrderUpdate appends an ORDER_UPDATE event.
func (l *Ledger) LogOrderUpdate(o types.Order) int64 {
	return l.Append(types.EventOrderUpdate, o, "websocket", o.WSSequence)
}

// LogReconciliation appends a RECONCILIATION event.
func (l *Ledger) LogReconciliation(openOrdersCount int, pendingAdjusted map[string]string, source string) int64 {
	payload := map[string]any{
		"open_orders_count":   openOrdersCount,
		"pending_buys_adjusted": pendingAdjusted,
	}
	return l.Append(types.EventReconciliation, payload, source, -1)
}

// HasUnresolvedGaps reports whether any gap has not yet been cleared.
func (l *Ledger) HasUnresolvedGaps() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.gaps) > 0
}

// UnresolvedGaps returns a copy of the currently unresolved gaps.
func (l *Ledger) UnresolvedGaps() []GapInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]GapInfo, len(l.gaps))
	copy(out, l.gaps)
	return out
}

// ClearGaps marks all unresolved gaps as resolved, called after a successful
// reconciliation (§4.3).
func (l *Ledger) ClearGaps() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.enabled {
		now := time.Now().UTC()
		if err := l.db.Model(&Gap{}).Where("resolved_at IS NULL").Update("resolved_at", now).Error; err != nil {
			log.Error().Err(err).Msg("ledger: failed to mark gaps resolved")
		}
	}
	l.gaps = nil
	log.Info().Msg("✅ cleared all unresolved ledger gaps after reconciliation")
}

// CurrentSequence returns the last assigned internal sequence number.
func (l *Ledger) CurrentSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// Summary is the counts-by-type / gap-count view used for alerting and status.
type Summary struct {
	TotalEvents     int
	EventsByType    map[types.EventType]int
	UnresolvedGaps  int
	CurrentSequence int64
}

// GetSummary reports ledger-wide counters.
func (l *Ledger) GetSummary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	byType := make(map[types.EventType]int, len(l.eventsByType))
	total := 0
	for k, v := range l.eventsByType {
		byType[k] = v
		total += v
	}
	return Summary{
		TotalEvents:     total,
		EventsByType:    byType,
		UnresolvedGaps:  len(l.gaps),
		CurrentSequence: l.sequence,
	}
}

// FillsSince returns FILL events recorded after sequence, optionally
// filtered to one token. Requires persistence; returns nil when disabled.
func (l *Ledger) FillsSince(sequence int64, token string) []Event {
	if !l.enabled {
		return nil
	}
	var rows []Event
	q := l.db.Where("sequence_number > ? AND event_type = ?", sequence, string(types.EventFill)).Order("sequence_number ASC")
	if err := q.Find(&rows).Error; err != nil {
		log.Error().Err(err).Msg("ledger: failed to query fills since")
		return nil
	}
	if token == "" {
		return rows
	}
	filtered := rows[:0]
	for _, r := range rows {
		var f types.Fill
		if err := json.Unmarshal([]byte(r.Payload), &f); err == nil && f.Token == token {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// OrderUpdatesForOrder returns all ORDER_UPDATE events for one order ID.
func (l *Ledger) OrderUpdatesForOrder(orderID string) []Event {
	if !l.enabled {
		return nil
	}
	var rows []Event
	if err := l.db.Where("event_type = ?", string(types.EventOrderUpdate)).Order("sequence_number ASC").Find(&rows).Error; err != nil {
		log.Error().Err(err).Msg("ledger: failed to query order updates")
		return nil
	}
	out := rows[:0]
	for _, r := range rows {
		var o types.Order
		if err := json.Unmarshal([]byte(r.Payload), &o); err == nil && o.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out
}

// IsEnabled reports whether the ledger is backed by durable storage.
func (l *Ledger) IsEnabled() bool {
	return l.enabled
}
