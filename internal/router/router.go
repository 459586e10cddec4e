package router

import (
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/guardrail"
	"main/internal/obs"
	"main/internal/registry"
	"main/internal/schema"
	"main/internal/sched"
	"main/pkg/exception"
)

// TimeoutHandler resolves commands that received no confirmation before
// the deadline. Wired to the correlator.
type TimeoutHandler interface {
	OnTimeout(commandID string)
}

// Config controls routing behavior.
type Config struct {
	ConfirmTimeout      time.Duration
	PerAgentOutstanding int
}

// DefaultConfig returns the standard routing limits.
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout:      30 * time.Second,
		PerAgentOutstanding: 4,
	}
}

// Router matches admitted instructions to exactly one live agent and owns
// each fire command from creation to terminal status. Delivery is
// at-most-once: a failed send is surfaced to the caller, never silently
// retried against another agent.
type Router struct {
	cfg      Config
	registry *registry.Registry
	guard    *guardrail.Engine
	table    *Table
	wheel    *sched.Wheel
	metrics  *obs.Metrics
	timeouts TimeoutHandler
	archive  func(schema.FireCommand)
	now      func() time.Time
}

// Option customizes a Router.
type Option func(*Router)

// WithMetrics attaches a metrics container.
func WithMetrics(m *obs.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithArchiveSink registers a sink for terminal commands resolved on the
// submit path.
func WithArchiveSink(fn func(schema.FireCommand)) Option {
	return func(r *Router) { r.archive = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a router over the given registry, guardrail and table.
func New(cfg Config, reg *registry.Registry, guard *guardrail.Engine, table *Table, wheel *sched.Wheel, timeouts TimeoutHandler, opts ...Option) *Router {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfig().ConfirmTimeout
	}
	r := &Router{
		cfg:      cfg,
		registry: reg,
		guard:    guard,
		table:    table,
		wheel:    wheel,
		timeouts: timeouts,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Table exposes the outstanding-command table for the correlator.
func (r *Router) Table() *Table {
	return r.table
}

// Submit gates an instruction through the guardrail, binds it to one live
// agent and dispatches it. On rejection the reason comes back as a typed
// error and no fire command is left behind.
func (r *Router) Submit(instr schema.Instruction) (schema.FireCommand, error) {
	start := r.now()

	agentID, ok := r.registry.Select(instr.Instrument)
	if !ok {
		r.metrics.IncReject(schema.RejectReasonNoAgentAvailable)
		return schema.FireCommand{}, exception.ErrNoAgentAvailable
	}
	if r.cfg.PerAgentOutstanding > 0 && r.table.OutstandingSent(agentID) >= r.cfg.PerAgentOutstanding {
		r.metrics.IncReject(schema.RejectReasonAgentSaturated)
		return schema.FireCommand{}, exception.ErrAgentSaturated
	}

	id := uuid.NewString()
	decision, err := r.guard.EvaluateAndReserve(instr, id)
	if err != nil {
		return schema.FireCommand{}, err
	}
	if !decision.Allow {
		r.metrics.IncReject(decision.Reason)
		return schema.FireCommand{}, ReasonError(decision.Reason)
	}

	cmd := schema.FireCommand{
		ID:           id,
		AccountID:    instr.AccountID,
		AgentID:      agentID,
		Instrument:   instr.Instrument,
		Direction:    instr.Direction,
		Size:         decision.Size,
		RiskPercent:  decision.RiskPercent,
		StopDistance: instr.StopDistance,
		TakeProfit:   instr.TakeProfitDistance,
		ReservedLoss: decision.ReservedLoss,
		IssuedAtNano: start.UnixNano(),
	}
	if err := r.table.CreateIfBelow(cmd, r.cfg.PerAgentOutstanding); err != nil {
		r.guard.Rollback(instr.AccountID, id)
		r.metrics.IncReject(schema.RejectReasonAgentSaturated)
		return schema.FireCommand{}, err
	}

	sender, err := r.registry.Sender(agentID)
	if err == nil {
		err = sender.Send(cmd)
	}
	if err != nil {
		// agent went dead between selection and send; the caller must
		// resubmit, re-routing here could duplicate exposure
		r.failUnreachable(cmd, err)
		return schema.FireCommand{}, exception.ErrAgentUnreachable
	}

	if err := r.table.MarkSent(id); err != nil {
		// cancelled in the narrow window between create and send
		logs.Warnf("router: command %s resolved before send completed: %v", id, err)
		return schema.FireCommand{}, err
	}
	r.wheel.Schedule(r.cfg.ConfirmTimeout, func() {
		r.timeouts.OnTimeout(id)
	})

	cmd.Status = schema.CommandStatusSent
	r.metrics.IncAdmitted()
	r.metrics.ObserveSubmit(r.now().Sub(start))
	return cmd, nil
}

func (r *Router) failUnreachable(cmd schema.FireCommand, cause error) {
	logs.Warnf("router: send to agent %s failed for command %s: %v", cmd.AgentID, cmd.ID, cause)
	if err := r.table.MarkUnreachable(cmd.ID); err != nil {
		logs.Errorf("router: mark unreachable %s: %v", cmd.ID, err)
		return
	}
	r.guard.Rollback(cmd.AccountID, cmd.ID)
	r.metrics.IncReject(schema.RejectReasonAgentUnreachable)
	if final, ok := r.table.Remove(cmd.ID); ok && r.archive != nil {
		r.archive(final)
	}
}

// Cancel withdraws a command that has not been sent yet and releases its
// reservation.
func (r *Router) Cancel(commandID string) error {
	cmd, ok := r.table.Get(commandID)
	if !ok {
		return exception.ErrUnknownCommand
	}
	if err := r.table.Cancel(commandID); err != nil {
		return err
	}
	r.guard.Rollback(cmd.AccountID, commandID)
	if final, ok := r.table.Remove(commandID); ok && r.archive != nil {
		r.archive(final)
	}
	return nil
}

// Status reports a command's current status for the mission layer.
func (r *Router) Status(commandID string) (schema.CommandStatus, schema.RejectReason, error) {
	cmd, ok := r.table.Get(commandID)
	if !ok {
		return schema.CommandStatusUnknown, schema.RejectReasonNone, exception.ErrUnknownCommand
	}
	return cmd.Status, cmd.Reason, nil
}

// ReasonError maps a guardrail rejection reason to its sentinel error.
func ReasonError(reason schema.RejectReason) error {
	switch reason {
	case schema.RejectReasonDailyLossCap:
		return exception.ErrDailyLossCap
	case schema.RejectReasonTradeCountCap:
		return exception.ErrTradeCountCap
	case schema.RejectReasonConcurrencyCap:
		return exception.ErrConcurrencyCap
	case schema.RejectReasonAccountLocked:
		return exception.ErrAccountLocked
	case schema.RejectReasonNoAgentAvailable:
		return exception.ErrNoAgentAvailable
	case schema.RejectReasonAgentSaturated:
		return exception.ErrAgentSaturated
	case schema.RejectReasonAgentUnreachable:
		return exception.ErrAgentUnreachable
	default:
		return exception.ErrInternal
	}
}
