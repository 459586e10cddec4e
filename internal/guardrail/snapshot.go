package guardrail

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// Snapshot captures guardrail counters at a point in time so state can be
// reconstructed after a restart within the same trading day. Reservations
// are deliberately excluded: in-flight commands do not survive a restart.
type Snapshot struct {
	Timestamp  int64          `json:"timestamp"`
	TradingDay string         `json:"tradingDay"`
	Accounts   []AccountEntry `json:"accounts"`
}

// AccountEntry is one account's persisted day state.
type AccountEntry struct {
	AccountID         schema.AccountID `json:"accountId"`
	State             State            `json:"state"`
	RealizedLoss      decimal.Decimal  `json:"realizedLoss"`
	TradeCount        int              `json:"tradeCount"`
	ConsecutiveLosses int              `json:"consecutiveLosses"`
	ConsecutiveWins   int              `json:"consecutiveWins"`
}

// Snapshot builds a snapshot of every tracked account.
func (e *Engine) Snapshot(tradingDay string) Snapshot {
	views := e.Accounts()
	entries := make([]AccountEntry, 0, len(views))
	for _, v := range views {
		entries = append(entries, AccountEntry{
			AccountID:         v.AccountID,
			State:             v.State,
			RealizedLoss:      v.RealizedLoss,
			TradeCount:        v.TradeCount,
			ConsecutiveLosses: v.ConsecutiveLosses,
			ConsecutiveWins:   v.ConsecutiveWins,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AccountID < entries[j].AccountID
	})
	return Snapshot{
		Timestamp:  time.Now().UTC().UnixNano(),
		TradingDay: tradingDay,
		Accounts:   entries,
	}
}

// Restore loads persisted day state into the engine. Entries for accounts
// without a configured profile are skipped.
func (e *Engine) Restore(snap Snapshot) {
	for _, entry := range snap.Accounts {
		s := e.shardFor(entry.AccountID)
		s.mu.Lock()
		a, err := e.accountLocked(s, entry.AccountID)
		if err == nil {
			a.state = entry.State
			a.realizedLoss = entry.RealizedLoss
			a.tradeCount = entry.TradeCount
			a.consecutiveLosses = entry.ConsecutiveLosses
			a.consecutiveWins = entry.ConsecutiveWins
		}
		s.mu.Unlock()
	}
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
