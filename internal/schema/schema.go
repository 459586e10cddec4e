package schema

import (
	"github.com/shopspring/decimal"
)

// AccountID identifies a trading account.
type AccountID string

// AgentID is the opaque stable identifier of an execution agent.
type AgentID string

// Direction describes trade direction.
type Direction uint16

const (
	DirectionUnknown Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// ParseDirection maps a wire string to a Direction.
func ParseDirection(s string) Direction {
	switch s {
	case "LONG", "long", "buy", "BUY":
		return DirectionLong
	case "SHORT", "short", "sell", "SELL":
		return DirectionShort
	default:
		return DirectionUnknown
	}
}

// Instruction is an inbound trade instruction from the mission layer.
// It carries no identity; a FireCommand id is assigned only after the
// guardrail admits it.
type Instruction struct {
	AccountID          AccountID
	Instrument         string
	Direction          Direction
	RiskPercent        decimal.Decimal
	StopDistance       decimal.Decimal
	TakeProfitDistance decimal.Decimal
}

// CommandStatus tracks the lifecycle of a fire command.
type CommandStatus uint16

const (
	CommandStatusUnknown CommandStatus = iota
	CommandStatusPending
	CommandStatusSent
	CommandStatusConfirmed
	CommandStatusRejected
	CommandStatusTimedOut
	CommandStatusCancelled
)

func (s CommandStatus) String() string {
	switch s {
	case CommandStatusPending:
		return "PENDING"
	case CommandStatusSent:
		return "SENT"
	case CommandStatusConfirmed:
		return "CONFIRMED"
	case CommandStatusRejected:
		return "REJECTED"
	case CommandStatusTimedOut:
		return "TIMED_OUT"
	case CommandStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is a terminal state.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandStatusRejected, CommandStatusTimedOut, CommandStatusCancelled:
		return true
	default:
		return false
	}
}

// RejectReason enumerates why an instruction or command was refused.
type RejectReason uint16

const (
	RejectReasonNone RejectReason = iota
	RejectReasonDailyLossCap
	RejectReasonTradeCountCap
	RejectReasonConcurrencyCap
	RejectReasonAccountLocked
	RejectReasonNoAgentAvailable
	RejectReasonAgentSaturated
	RejectReasonAgentUnreachable
	RejectReasonAgentRejected
	RejectReasonAgentError
	RejectReasonTimedOut
)

func (r RejectReason) String() string {
	switch r {
	case RejectReasonNone:
		return "NONE"
	case RejectReasonDailyLossCap:
		return "DAILY_LOSS_CAP"
	case RejectReasonTradeCountCap:
		return "TRADE_COUNT_CAP"
	case RejectReasonConcurrencyCap:
		return "CONCURRENCY_CAP"
	case RejectReasonAccountLocked:
		return "ACCOUNT_LOCKED"
	case RejectReasonNoAgentAvailable:
		return "NO_AGENT_AVAILABLE"
	case RejectReasonAgentSaturated:
		return "AGENT_SATURATED"
	case RejectReasonAgentUnreachable:
		return "AGENT_UNREACHABLE"
	case RejectReasonAgentRejected:
		return "AGENT_REJECTED"
	case RejectReasonAgentError:
		return "AGENT_ERROR"
	case RejectReasonTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// FireCommand is a single, uniquely identified instruction bound to one
// execution agent. Owned by the router from creation until terminal status;
// immutable once sent except for status transitions.
type FireCommand struct {
	ID           string
	AccountID    AccountID
	AgentID      AgentID
	Instrument   string
	Direction    Direction
	Size         decimal.Decimal
	RiskPercent  decimal.Decimal
	StopDistance decimal.Decimal
	TakeProfit   decimal.Decimal
	ReservedLoss decimal.Decimal
	IssuedAtNano int64

	Status CommandStatus
	Reason RejectReason

	// settlement flags guard guardrail idempotency under duplicate
	// or out-of-order confirmation delivery
	PositionOpen bool
	Settled      bool
	Released     bool
}

// Outcome describes the result reported by an execution agent.
type Outcome uint16

const (
	OutcomeUnknown Outcome = iota
	OutcomeFilled
	OutcomeRejected
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFilled:
		return "FILLED"
	case OutcomeRejected:
		return "REJECTED"
	case OutcomeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseOutcome maps a wire string to an Outcome.
func ParseOutcome(s string) Outcome {
	switch s {
	case "FILLED", "filled":
		return OutcomeFilled
	case "REJECTED", "rejected":
		return OutcomeRejected
	case "ERROR", "error":
		return OutcomeError
	default:
		return OutcomeUnknown
	}
}

// Confirmation is an asynchronous execution report from an agent.
// A fill that opens a position carries no realized pnl; the close report
// for the same command carries the final pnl contribution.
type Confirmation struct {
	FireCommandID string
	Outcome       Outcome
	FillPrice     decimal.Decimal
	RealizedPnl   decimal.Decimal
	Closed        bool
	TimestampNano int64
}
