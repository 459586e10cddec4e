package router

import (
	"sync"

	"main/internal/schema"
	"main/pkg/exception"
)

// Table holds every non-archived fire command and the per-agent count of
// outstanding (pending or sent) commands. It is the single source of
// truth for command status transitions; all methods are safe for
// concurrent use.
type Table struct {
	mu          sync.Mutex
	commands    map[string]*schema.FireCommand
	outstanding map[schema.AgentID]int
}

// NewTable creates an empty command table.
func NewTable() *Table {
	return &Table{
		commands:    make(map[string]*schema.FireCommand),
		outstanding: make(map[schema.AgentID]int),
	}
}

// Get returns a copy of the command.
func (t *Table) Get(id string) (schema.FireCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, ok := t.commands[id]
	if !ok {
		return schema.FireCommand{}, false
	}
	return *cmd, true
}

// OutstandingSent returns the number of outstanding commands for an agent.
func (t *Table) OutstandingSent(agentID schema.AgentID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding[agentID]
}

// CreateIfBelow registers a new PENDING command unless the target agent
// already carries maxOutstanding commands. The saturation check and the
// insert are one atomic step so concurrent submissions cannot overshoot
// the cap.
func (t *Table) CreateIfBelow(cmd schema.FireCommand, maxOutstanding int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.commands[cmd.ID]; ok {
		return exception.ErrDuplicateCommand
	}
	if maxOutstanding > 0 && t.outstanding[cmd.AgentID] >= maxOutstanding {
		return exception.ErrAgentSaturated
	}
	cmd.Status = schema.CommandStatusPending
	t.commands[cmd.ID] = &cmd
	t.outstanding[cmd.AgentID]++
	return nil
}

// MarkSent transitions PENDING -> SENT after a successful write to the
// agent's outbound channel.
func (t *Table) MarkSent(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, ok := t.commands[id]
	if !ok {
		return exception.ErrUnknownCommand
	}
	if cmd.Status != schema.CommandStatusPending {
		return exception.ErrCommandNotPending
	}
	cmd.Status = schema.CommandStatusSent
	return nil
}

// MarkUnreachable rejects a PENDING command whose send failed.
func (t *Table) MarkUnreachable(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, ok := t.commands[id]
	if !ok {
		return exception.ErrUnknownCommand
	}
	if cmd.Status != schema.CommandStatusPending {
		return exception.ErrCommandNotPending
	}
	cmd.Status = schema.CommandStatusRejected
	cmd.Reason = schema.RejectReasonAgentUnreachable
	cmd.Released = true
	t.release(cmd)
	return nil
}

// Cancel cancels a command that has not been sent yet. Once SENT,
// cancellation is not supported: a remote agent may already be
// mid-execution.
func (t *Table) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, ok := t.commands[id]
	if !ok {
		return exception.ErrUnknownCommand
	}
	if cmd.Status != schema.CommandStatusPending {
		return exception.ErrCommandNotPending
	}
	cmd.Status = schema.CommandStatusCancelled
	cmd.Released = true
	t.release(cmd)
	return nil
}

// ApplyOpenFill transitions SENT -> CONFIRMED for a fill that opened a
// position. The command stays tracked until its close confirmation.
func (t *Table) ApplyOpenFill(id string) (schema.FireCommand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, ok := t.commands[id]
	if !ok {
		return schema.FireCommand{}, exception.ErrUnknownCommand
	}
	if cmd.Status != schema.CommandStatusSent {
		return *cmd, exception.ErrCommandNotPending
	}
	cmd.Status = schema.CommandStatusConfirmed
	cmd.PositionOpen = true
	t.release(cmd)
	return *cmd, nil
}

// ApplyCloseFill marks a command settled exactly once. Valid from SENT
// (immediate close) or CONFIRMED (after an open fill).
func (t *Table) ApplyCloseFill(id string) (schema.FireCommand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, ok := t.commands[id]
	if !ok {
		return schema.FireCommand{}, exception.ErrUnknownCommand
	}
	if cmd.Settled {
		return *cmd, exception.ErrCommandNotPending
	}
	switch cmd.Status {
	case schema.CommandStatusSent:
		cmd.Status = schema.CommandStatusConfirmed
		t.release(cmd)
	case schema.CommandStatusConfirmed:
	default:
		return *cmd, exception.ErrCommandNotPending
	}
	cmd.Settled = true
	cmd.PositionOpen = false
	return *cmd, nil
}

// ApplyReject transitions SENT -> REJECTED on a rejecting confirmation.
func (t *Table) ApplyReject(id string, reason schema.RejectReason) (schema.FireCommand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, ok := t.commands[id]
	if !ok {
		return schema.FireCommand{}, exception.ErrUnknownCommand
	}
	if cmd.Status != schema.CommandStatusSent {
		return *cmd, exception.ErrCommandNotPending
	}
	cmd.Status = schema.CommandStatusRejected
	cmd.Reason = reason
	cmd.Released = true
	t.release(cmd)
	return *cmd, nil
}

// ApplyTimeout transitions SENT -> TIMED_OUT. A command already confirmed
// or otherwise resolved is left untouched.
func (t *Table) ApplyTimeout(id string) (schema.FireCommand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, ok := t.commands[id]
	if !ok {
		return schema.FireCommand{}, exception.ErrUnknownCommand
	}
	if cmd.Status != schema.CommandStatusSent {
		return *cmd, exception.ErrCommandNotPending
	}
	cmd.Status = schema.CommandStatusTimedOut
	cmd.Reason = schema.RejectReasonTimedOut
	cmd.Released = true
	t.release(cmd)
	return *cmd, nil
}

// Remove drops a command from the table, returning its final state.
func (t *Table) Remove(id string) (schema.FireCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, ok := t.commands[id]
	if !ok {
		return schema.FireCommand{}, false
	}
	delete(t.commands, id)
	return *cmd, true
}

// release decrements the agent's outstanding count once per command.
// Must be called with the table lock held, on the transition out of
// PENDING/SENT.
func (t *Table) release(cmd *schema.FireCommand) {
	if n := t.outstanding[cmd.AgentID]; n > 1 {
		t.outstanding[cmd.AgentID] = n - 1
	} else {
		delete(t.outstanding, cmd.AgentID)
	}
}
