package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/guardrail"
	"main/internal/registry"
	"main/internal/schema"
	"main/internal/sched"
	"main/pkg/exception"
)

type captureSender struct {
	mu   sync.Mutex
	cmds []schema.FireCommand
	fail error
}

func (s *captureSender) Send(cmd schema.FireCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *captureSender) sent() []schema.FireCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.FireCommand(nil), s.cmds...)
}

type timeoutRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *timeoutRecorder) OnTimeout(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func testGuard() *guardrail.Engine {
	return guardrail.NewEngine(func(schema.AccountID) (guardrail.Profile, bool) {
		return guardrail.Profile{
			Balance: decimal.NewFromInt(10000),
			Limits: guardrail.Limits{
				MaxDailyLossPct:    decimal.RequireFromString("0.06"),
				MaxDailyTrades:     20,
				MaxConcurrent:      10,
				MaxRiskPctPerTrade: decimal.RequireFromString("0.02"),
				TiltAfterLosses:    3,
				TiltRiskFactor:     decimal.RequireFromString("0.5"),
				RecoveryWins:       2,
			},
		}, true
	})
}

type fixture struct {
	registry *registry.Registry
	guard    *guardrail.Engine
	router   *Router
	sender   *captureSender
	timeouts *timeoutRecorder
	archived []schema.FireCommand
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		registry: registry.New(registry.DefaultConfig()),
		guard:    testGuard(),
		sender:   &captureSender{},
		timeouts: &timeoutRecorder{},
	}
	wheel := sched.NewWheel(5*time.Millisecond, 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go wheel.Run(ctx)

	f.router = New(cfg, f.registry, f.guard, NewTable(), wheel, f.timeouts,
		WithArchiveSink(func(cmd schema.FireCommand) { f.archived = append(f.archived, cmd) }),
	)
	return f
}

func (f *fixture) liveAgent(id schema.AgentID, instruments ...string) {
	f.registry.RecordLiveness(id, instruments)
	f.registry.Attach(id, f.sender)
}

func instruction() schema.Instruction {
	return schema.Instruction{
		AccountID:    "acct",
		Instrument:   "EURUSD",
		Direction:    schema.DirectionLong,
		RiskPercent:  decimal.RequireFromString("0.02"),
		StopDistance: decimal.RequireFromString("0.0050"),
	}
}

func TestSubmitNoAgentAvailable(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.router.Submit(instruction())
	require.ErrorIs(t, err, exception.ErrNoAgentAvailable)
}

func TestSubmitDispatchesToAgent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.liveAgent("agent-1", "EURUSD")

	cmd, err := f.router.Submit(instruction())
	require.NoError(t, err)
	assert.Equal(t, schema.CommandStatusSent, cmd.Status)
	assert.Equal(t, schema.AgentID("agent-1"), cmd.AgentID)
	assert.True(t, cmd.Size.Equal(decimal.NewFromInt(40000)), "size=%s", cmd.Size)

	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, cmd.ID, sent[0].ID)

	status, _, err := f.router.Status(cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.CommandStatusSent, status)
}

func TestSubmitGuardrailRejectionBuildsNoCommand(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.liveAgent("agent-1", "EURUSD")

	// exhaust the daily budget so the next submission is rejected
	for range make([]struct{}, 3) {
		_, err := f.router.Submit(instruction())
		require.NoError(t, err)
	}
	_, err := f.router.Submit(instruction())
	require.ErrorIs(t, err, exception.ErrDailyLossCap)

	// rejection must not leave a fire command behind
	assert.Len(t, f.sender.sent(), 3)
}

func TestSubmitAgentSaturated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerAgentOutstanding = 2
	f := newFixture(t, cfg)
	f.liveAgent("agent-1", "EURUSD")

	for range make([]struct{}, 2) {
		_, err := f.router.Submit(instruction())
		require.NoError(t, err)
	}
	_, err := f.router.Submit(instruction())
	require.ErrorIs(t, err, exception.ErrAgentSaturated)

	// saturation must not consume risk budget
	view, ok := f.guard.Account("acct")
	require.True(t, ok)
	assert.True(t, view.Reserved.Equal(decimal.NewFromInt(400)), "reserved=%s", view.Reserved)
}

func TestSubmitUnreachableRollsBack(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.liveAgent("agent-1", "EURUSD")
	f.sender.fail = errors.New("connection reset")

	_, err := f.router.Submit(instruction())
	require.ErrorIs(t, err, exception.ErrAgentUnreachable)

	view, ok := f.guard.Account("acct")
	require.True(t, ok)
	assert.True(t, view.Reserved.IsZero(), "reservation must be rolled back")

	require.Len(t, f.archived, 1)
	assert.Equal(t, schema.CommandStatusRejected, f.archived[0].Status)
	assert.Equal(t, schema.RejectReasonAgentUnreachable, f.archived[0].Reason)

	// a second submission is the caller's decision, never automatic
	f.sender.fail = nil
	cmd, err := f.router.Submit(instruction())
	require.NoError(t, err)
	assert.Equal(t, schema.CommandStatusSent, cmd.Status)
}

func TestCancelOnlyWhilePending(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.liveAgent("agent-1", "EURUSD")

	cmd, err := f.router.Submit(instruction())
	require.NoError(t, err)

	// Submit returns only after the command is SENT
	err = f.router.Cancel(cmd.ID)
	require.ErrorIs(t, err, exception.ErrCommandNotPending)
}

func TestTimeoutHandlerInvoked(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfirmTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.liveAgent("agent-1", "EURUSD")

	cmd, err := f.router.Submit(instruction())
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.timeouts.mu.Lock()
		n := len(f.timeouts.ids)
		f.timeouts.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.timeouts.mu.Lock()
	defer f.timeouts.mu.Unlock()
	require.Len(t, f.timeouts.ids, 1)
	assert.Equal(t, cmd.ID, f.timeouts.ids[0])
}

func TestRoundRobinSpreadsAcrossAgents(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.liveAgent("agent-a", "EURUSD")
	f.liveAgent("agent-b", "EURUSD")

	seen := make(map[schema.AgentID]int)
	for range make([]struct{}, 4) {
		cmd, err := f.router.Submit(instruction())
		require.NoError(t, err)
		seen[cmd.AgentID]++
	}
	assert.Equal(t, 2, seen["agent-a"])
	assert.Equal(t, 2, seen["agent-b"])
}
