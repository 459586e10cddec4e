package correlator

import (
	"time"

	"github.com/yanun0323/logs"

	"main/internal/guardrail"
	"main/internal/obs"
	"main/internal/router"
	"main/internal/schema"
)

// Correlator matches asynchronous agent confirmations back to their
// originating fire commands and drives guardrail settlement. Duplicate
// and late confirmations are expected under at-least-once delivery and
// are recovered silently; settlement happens exactly once per command.
type Correlator struct {
	table   *router.Table
	guard   *guardrail.Engine
	metrics *obs.Metrics
	archive func(schema.FireCommand)
	now     func() time.Time
}

// Option customizes a Correlator.
type Option func(*Correlator)

// WithMetrics attaches a metrics container.
func WithMetrics(m *obs.Metrics) Option {
	return func(c *Correlator) { c.metrics = m }
}

// WithArchiveSink registers a sink for commands reaching terminal status.
func WithArchiveSink(fn func(schema.FireCommand)) Option {
	return func(c *Correlator) { c.archive = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// New creates a correlator over the router's command table.
func New(table *router.Table, guard *guardrail.Engine, opts ...Option) *Correlator {
	c := &Correlator{
		table: table,
		guard: guard,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnConfirmation applies one confirmation message. Unknown command ids
// (already archived or timed out) are logged and discarded; they must not
// resurrect or double-settle guardrail state.
func (c *Correlator) OnConfirmation(conf schema.Confirmation) {
	cmd, ok := c.table.Get(conf.FireCommandID)
	if !ok {
		logs.Warnf("correlator: confirmation for unknown command %s discarded", conf.FireCommandID)
		c.metrics.IncUnknownConfirm()
		return
	}

	switch conf.Outcome {
	case schema.OutcomeFilled:
		if conf.Closed {
			c.applyClose(cmd, conf)
		} else {
			c.applyOpen(cmd, conf)
		}
	case schema.OutcomeRejected:
		c.applyReject(cmd, schema.RejectReasonAgentRejected)
	case schema.OutcomeError:
		c.applyReject(cmd, schema.RejectReasonAgentError)
	default:
		logs.Warnf("correlator: confirmation for %s with unknown outcome discarded", conf.FireCommandID)
	}
}

// applyOpen handles a fill that opened a position: the command is
// confirmed but stays tracked until its close report.
func (c *Correlator) applyOpen(cmd schema.FireCommand, conf schema.Confirmation) {
	updated, err := c.table.ApplyOpenFill(cmd.ID)
	if err != nil {
		c.discardDuplicate(cmd.ID, updated.Status)
		return
	}
	c.guard.PositionOpened(cmd.AccountID, cmd.ID)
	c.metrics.IncConfirmed()
	logs.Infof("correlator: command %s filled at %s, position open", cmd.ID, conf.FillPrice)
}

// applyClose finalizes pnl settlement exactly once.
func (c *Correlator) applyClose(cmd schema.FireCommand, conf schema.Confirmation) {
	updated, err := c.table.ApplyCloseFill(cmd.ID)
	if err != nil {
		c.discardDuplicate(cmd.ID, updated.Status)
		return
	}
	c.guard.Settle(cmd.AccountID, cmd.ID, conf.RealizedPnl)
	c.metrics.IncSettled()
	if cmd.IssuedAtNano > 0 {
		c.metrics.ObserveRoundTrip(time.Duration(c.now().UnixNano() - cmd.IssuedAtNano))
	}
	c.finalize(updated.ID)
	logs.Infof("correlator: command %s settled, pnl %s", cmd.ID, conf.RealizedPnl)
}

func (c *Correlator) applyReject(cmd schema.FireCommand, reason schema.RejectReason) {
	updated, err := c.table.ApplyReject(cmd.ID, reason)
	if err != nil {
		c.discardDuplicate(cmd.ID, updated.Status)
		return
	}
	c.guard.Rollback(cmd.AccountID, cmd.ID)
	c.metrics.IncReject(reason)
	c.finalize(updated.ID)
	logs.Warnf("correlator: command %s rejected by agent: %s", cmd.ID, reason)
}

// OnTimeout resolves a command that received no confirmation within the
// deadline. The agent's actual state is unknown at this point, so the
// condition is reported, never blindly retried.
func (c *Correlator) OnTimeout(commandID string) {
	cmd, err := c.table.ApplyTimeout(commandID)
	if err != nil {
		// confirmed or otherwise resolved before the deadline
		return
	}
	c.guard.Rollback(cmd.AccountID, cmd.ID)
	c.metrics.IncTimedOut()
	c.finalize(cmd.ID)
	logs.Errorf("correlator: command %s timed out without confirmation, reservation released", cmd.ID)
}

func (c *Correlator) discardDuplicate(commandID string, status schema.CommandStatus) {
	c.metrics.IncDuplicateConfirm()
	logs.Warnf("correlator: duplicate confirmation for %s (status %s) discarded", commandID, status)
}

func (c *Correlator) finalize(commandID string) {
	final, ok := c.table.Remove(commandID)
	if !ok {
		return
	}
	if c.archive != nil {
		c.archive(final)
	}
}
