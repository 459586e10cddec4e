package guardrail

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
	"main/pkg/exception"
)

func testLimits() Limits {
	return Limits{
		MaxDailyLossPct:    decimal.RequireFromString("0.06"),
		MaxDailyTrades:     20,
		MaxConcurrent:      5,
		MaxRiskPctPerTrade: decimal.RequireFromString("0.02"),
		TiltAfterLosses:    3,
		TiltRiskFactor:     decimal.RequireFromString("0.5"),
		RecoveryWins:       2,
	}
}

func testEngine() *Engine {
	return NewEngine(func(id schema.AccountID) (Profile, bool) {
		if id == "missing" {
			return Profile{}, false
		}
		return Profile{
			Balance: decimal.NewFromInt(10000),
			Limits:  testLimits(),
		}, true
	})
}

func instruction(account schema.AccountID, riskPct string) schema.Instruction {
	return schema.Instruction{
		AccountID:    account,
		Instrument:   "EURUSD",
		Direction:    schema.DirectionLong,
		RiskPercent:  decimal.RequireFromString(riskPct),
		StopDistance: decimal.RequireFromString("0.0050"),
	}
}

func TestEvaluateUnknownAccount(t *testing.T) {
	e := testEngine()
	_, err := e.EvaluateAndReserve(instruction("missing", "0.02"), "cmd-1")
	require.ErrorIs(t, err, exception.ErrUnknownAccount)
}

func TestEvaluateSizesFromRiskAndStop(t *testing.T) {
	e := testEngine()
	d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), "cmd-1")
	require.NoError(t, err)
	require.True(t, d.Allow)

	// 2% of 10000 = 200 worst-case loss, size = 200 / 0.0050
	assert.True(t, d.ReservedLoss.Equal(decimal.NewFromInt(200)), "reserved=%s", d.ReservedLoss)
	assert.True(t, d.Size.Equal(decimal.NewFromInt(40000)), "size=%s", d.Size)
}

func TestEvaluateCapsRequestedRisk(t *testing.T) {
	e := testEngine()
	d, err := e.EvaluateAndReserve(instruction("acct", "0.10"), "cmd-1")
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.True(t, d.RiskPercent.Equal(decimal.RequireFromString("0.02")))
}

func TestTradeCountCap(t *testing.T) {
	e := NewEngine(func(schema.AccountID) (Profile, bool) {
		limits := testLimits()
		limits.MaxDailyTrades = 2
		limits.MaxDailyLossPct = decimal.NewFromInt(1)
		return Profile{Balance: decimal.NewFromInt(10000), Limits: limits}, true
	})

	for i := 0; i < 2; i++ {
		d, err := e.EvaluateAndReserve(instruction("acct", "0.01"), fmt.Sprintf("cmd-%d", i))
		require.NoError(t, err)
		require.True(t, d.Allow)
	}
	d, err := e.EvaluateAndReserve(instruction("acct", "0.01"), "cmd-over")
	require.NoError(t, err)
	require.False(t, d.Allow)
	assert.Equal(t, schema.RejectReasonTradeCountCap, d.Reason)
}

func TestConcurrencyCap(t *testing.T) {
	e := NewEngine(func(schema.AccountID) (Profile, bool) {
		limits := testLimits()
		limits.MaxConcurrent = 2
		limits.MaxDailyLossPct = decimal.NewFromInt(1)
		return Profile{Balance: decimal.NewFromInt(10000), Limits: limits}, true
	})

	for i := 0; i < 2; i++ {
		d, err := e.EvaluateAndReserve(instruction("acct", "0.01"), fmt.Sprintf("cmd-%d", i))
		require.NoError(t, err)
		require.True(t, d.Allow)
	}
	d, err := e.EvaluateAndReserve(instruction("acct", "0.01"), "cmd-over")
	require.NoError(t, err)
	require.False(t, d.Allow)
	assert.Equal(t, schema.RejectReasonConcurrencyCap, d.Reason)

	// settling one in-flight command frees a slot
	require.True(t, e.Settle("acct", "cmd-0", decimal.NewFromInt(50)))
	d, err = e.EvaluateAndReserve(instruction("acct", "0.01"), "cmd-after")
	require.NoError(t, err)
	require.True(t, d.Allow)
}

func TestDailyLossCapAtBoundary(t *testing.T) {
	e := testEngine()

	// consume 4% of the 6% budget via two settled full losses
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("seed-%d", i)
		d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), id)
		require.NoError(t, err)
		require.True(t, d.Allow)
		require.True(t, e.Settle("acct", id, d.ReservedLoss.Neg()))
	}

	// two more 2% requests: only one fits the remaining 2%
	first, err := e.EvaluateAndReserve(instruction("acct", "0.02"), "cmd-a")
	require.NoError(t, err)
	second, err := e.EvaluateAndReserve(instruction("acct", "0.02"), "cmd-b")
	require.NoError(t, err)

	require.True(t, first.Allow != second.Allow, "exactly one admission expected")
	rejected := first
	if first.Allow {
		rejected = second
	}
	assert.Equal(t, schema.RejectReasonDailyLossCap, rejected.Reason)
}

func TestAtomicReserveUnderConcurrency(t *testing.T) {
	// 6% cap / 2% per trade: at most 3 of 16 concurrent submissions pass
	e := testEngine()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), fmt.Sprintf("cmd-%d", n))
			require.NoError(t, err)
			if d.Allow {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, admitted)
}

func TestTiltThenLockScenario(t *testing.T) {
	e := testEngine()

	// three consecutive losing confirmations, each 1% of balance
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("cmd-%d", i)
		d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), id)
		require.NoError(t, err)
		require.True(t, d.Allow)
		require.True(t, e.Settle("acct", id, decimal.NewFromInt(-100)))
	}

	view, ok := e.Account("acct")
	require.True(t, ok)
	require.Equal(t, StateTiltWarning, view.State)

	// 4th instruction is sized down, not rejected
	d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), "cmd-tilt")
	require.NoError(t, err)
	require.True(t, d.Allow)
	assert.True(t, d.RiskPercent.Equal(decimal.RequireFromString("0.01")), "risk=%s", d.RiskPercent)
	assert.True(t, d.ReservedLoss.Equal(decimal.NewFromInt(100)))

	// one more loss while tilted locks the account
	require.True(t, e.Settle("acct", "cmd-tilt", decimal.NewFromInt(-100)))
	view, _ = e.Account("acct")
	require.Equal(t, StateLocked, view.State)

	d, err = e.EvaluateAndReserve(instruction("acct", "0.02"), "cmd-locked")
	require.NoError(t, err)
	require.False(t, d.Allow)
	assert.Equal(t, schema.RejectReasonAccountLocked, d.Reason)
}

func TestTiltRecoveryAfterTwoWins(t *testing.T) {
	e := testEngine()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("loss-%d", i)
		d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), id)
		require.NoError(t, err)
		require.True(t, d.Allow)
		require.True(t, e.Settle("acct", id, decimal.NewFromInt(-100)))
	}
	view, _ := e.Account("acct")
	require.Equal(t, StateTiltWarning, view.State)

	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("win-%d", i)
		d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), id)
		require.NoError(t, err)
		require.True(t, d.Allow)
		require.True(t, e.Settle("acct", id, decimal.NewFromInt(50)))
	}
	view, _ = e.Account("acct")
	assert.Equal(t, StateOpen, view.State)
}

func TestSettleIdempotent(t *testing.T) {
	e := testEngine()
	d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), "cmd-1")
	require.NoError(t, err)
	require.True(t, d.Allow)

	require.True(t, e.Settle("acct", "cmd-1", decimal.NewFromInt(-100)))
	require.False(t, e.Settle("acct", "cmd-1", decimal.NewFromInt(-100)))

	view, _ := e.Account("acct")
	assert.True(t, view.RealizedLoss.Equal(decimal.NewFromInt(100)), "loss=%s", view.RealizedLoss)
	assert.Equal(t, 1, view.ConsecutiveLosses)
}

func TestRollbackReleasesExactlyOnce(t *testing.T) {
	e := testEngine()
	d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), "cmd-1")
	require.NoError(t, err)
	require.True(t, d.Allow)

	require.True(t, e.Rollback("acct", "cmd-1"))
	require.False(t, e.Rollback("acct", "cmd-1"))
	require.False(t, e.Settle("acct", "cmd-1", decimal.NewFromInt(-100)))

	view, _ := e.Account("acct")
	assert.True(t, view.Reserved.IsZero())
	assert.True(t, view.RealizedLoss.IsZero())
}

func TestDailyResetUnlocks(t *testing.T) {
	e := testEngine()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("cmd-%d", i)
		d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), id)
		require.NoError(t, err)
		require.True(t, d.Allow)
		require.True(t, e.Settle("acct", id, decimal.NewFromInt(-100)))
	}
	view, _ := e.Account("acct")
	require.Equal(t, StateLocked, view.State)

	e.Reset()
	view, _ = e.Account("acct")
	assert.Equal(t, StateOpen, view.State)
	assert.True(t, view.RealizedLoss.IsZero())
	assert.Equal(t, 0, view.TradeCount)
}

func TestBudgetInvariantUnderRandomInterleavings(t *testing.T) {
	// reserved + realized loss never exceeds the daily cap, whatever the
	// interleaving of admissions, settles and rollbacks
	e := testEngine()
	rng := rand.New(rand.NewSource(7))
	lossCap := decimal.NewFromInt(10000).Mul(decimal.RequireFromString("0.06"))

	inflight := make([]string, 0, 8)
	next := 0
	for step := 0; step < 500; step++ {
		switch {
		case len(inflight) == 0 || rng.Intn(3) == 0:
			id := fmt.Sprintf("cmd-%d", next)
			next++
			d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), id)
			require.NoError(t, err)
			if d.Allow {
				inflight = append(inflight, id)
			}
		case rng.Intn(2) == 0:
			idx := rng.Intn(len(inflight))
			id := inflight[idx]
			inflight = append(inflight[:idx], inflight[idx+1:]...)
			pnl := decimal.NewFromInt(int64(rng.Intn(200)) - 150)
			e.Settle("acct", id, pnl)
		default:
			idx := rng.Intn(len(inflight))
			id := inflight[idx]
			inflight = append(inflight[:idx], inflight[idx+1:]...)
			e.Rollback("acct", id)
		}

		view, ok := e.Account("acct")
		require.True(t, ok)
		used := view.RealizedLoss.Add(view.Reserved)
		require.True(t, used.LessThanOrEqual(lossCap),
			"step %d: used %s exceeds cap %s", step, used, lossCap)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	e := testEngine()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("cmd-%d", i)
		d, err := e.EvaluateAndReserve(instruction("acct", "0.02"), id)
		require.NoError(t, err)
		require.True(t, d.Allow)
		require.True(t, e.Settle("acct", id, decimal.NewFromInt(-100)))
	}

	snap := e.Snapshot("2026-08-30")
	path := t.TempDir() + "/guardrail.json"
	require.NoError(t, WriteSnapshot(path, snap))

	loaded, err := ReadSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, "2026-08-30", loaded.TradingDay)

	restored := testEngine()
	restored.Restore(loaded)
	view, ok := restored.Account("acct")
	require.True(t, ok)
	assert.Equal(t, StateTiltWarning, view.State)
	assert.True(t, view.RealizedLoss.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, 3, view.TradeCount)
}
