package guardrail

import (
	"hash/fnv"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/schema"
	"main/pkg/exception"
)

const shardCount = 64

// State is the per-account risk state.
type State uint16

const (
	StateOpen State = iota
	StateTiltWarning
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateTiltWarning:
		return "TILT_WARNING"
	case StateLocked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// Limits are the configured per-account risk caps.
type Limits struct {
	MaxDailyLossPct    decimal.Decimal
	MaxDailyTrades     int
	MaxConcurrent      int
	MaxRiskPctPerTrade decimal.Decimal
	TiltAfterLosses    int
	TiltRiskFactor     decimal.Decimal
	RecoveryWins       int
}

// Profile binds an account balance to its limits.
type Profile struct {
	Balance decimal.Decimal
	Limits  Limits
}

// Decision is the outcome of an atomic evaluate-and-reserve.
type Decision struct {
	Allow        bool
	Reason       schema.RejectReason
	State        State
	RiskPercent  decimal.Decimal
	Size         decimal.Decimal
	ReservedLoss decimal.Decimal
}

type reservation struct {
	loss   decimal.Decimal
	opened bool
}

type account struct {
	id      schema.AccountID
	profile Profile

	state             State
	realizedLoss      decimal.Decimal
	tradeCount        int
	consecutiveLosses int
	consecutiveWins   int
	reservations      map[string]*reservation
}

type shard struct {
	mu       sync.Mutex
	accounts map[schema.AccountID]*account
}

// Engine is the layered risk state machine, one state per account per
// trading day. All mutation for one account is serialized by its shard
// lock; accounts in different shards proceed fully in parallel.
type Engine struct {
	profiles func(schema.AccountID) (Profile, bool)
	shards   [shardCount]shard
}

// NewEngine creates an engine resolving account profiles through fn.
func NewEngine(profiles func(schema.AccountID) (Profile, bool)) *Engine {
	e := &Engine{profiles: profiles}
	for i := range e.shards {
		e.shards[i].accounts = make(map[schema.AccountID]*account)
	}
	return e
}

func (e *Engine) shardFor(id schema.AccountID) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &e.shards[h.Sum32()%shardCount]
}

// accountLocked returns the account entry; the shard mutex must be held.
func (e *Engine) accountLocked(s *shard, id schema.AccountID) (*account, error) {
	a, ok := s.accounts[id]
	if ok {
		return a, nil
	}
	profile, ok := e.profiles(id)
	if !ok {
		return nil, exception.ErrUnknownAccount
	}
	a = &account{
		id:           id,
		profile:      profile,
		reservations: make(map[string]*reservation),
	}
	s.accounts[id] = a
	return a, nil
}

// EvaluateAndReserve gates an instruction and, when admitted, provisionally
// reserves its worst-case loss against the daily budget in the same atomic
// step. Two concurrent submissions can therefore never both pass the
// loss-cap check on stale state.
func (e *Engine) EvaluateAndReserve(instr schema.Instruction, commandID string) (Decision, error) {
	if commandID == "" || !instr.StopDistance.IsPositive() || !instr.RiskPercent.IsPositive() {
		return Decision{}, exception.ErrInvalidArgument
	}

	s := e.shardFor(instr.AccountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := e.accountLocked(s, instr.AccountID)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{State: a.state}
	limits := a.profile.Limits

	if a.state == StateLocked {
		d.Reason = schema.RejectReasonAccountLocked
		return d, nil
	}
	if limits.MaxDailyTrades > 0 && a.tradeCount >= limits.MaxDailyTrades {
		d.Reason = schema.RejectReasonTradeCountCap
		return d, nil
	}
	if limits.MaxConcurrent > 0 && len(a.reservations) >= limits.MaxConcurrent {
		d.Reason = schema.RejectReasonConcurrencyCap
		return d, nil
	}

	risk := instr.RiskPercent
	if limits.MaxRiskPctPerTrade.IsPositive() && risk.GreaterThan(limits.MaxRiskPctPerTrade) {
		risk = limits.MaxRiskPctPerTrade
	}
	if a.state == StateTiltWarning && limits.TiltRiskFactor.IsPositive() {
		risk = risk.Mul(limits.TiltRiskFactor)
	}

	worstLoss := a.profile.Balance.Mul(risk)
	budget := a.profile.Balance.Mul(limits.MaxDailyLossPct)
	used := a.realizedLoss.Add(a.reservedLocked())
	if used.Add(worstLoss).GreaterThan(budget) {
		d.Reason = schema.RejectReasonDailyLossCap
		return d, nil
	}

	a.reservations[commandID] = &reservation{loss: worstLoss}
	a.tradeCount++

	d.Allow = true
	d.RiskPercent = risk
	d.Size = worstLoss.Div(instr.StopDistance)
	d.ReservedLoss = worstLoss
	return d, nil
}

func (a *account) reservedLocked() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range a.reservations {
		sum = sum.Add(r.loss)
	}
	return sum
}

// PositionOpened marks a reserved command as holding an open position.
// Returns false when the reservation is unknown.
func (e *Engine) PositionOpened(accountID schema.AccountID, commandID string) bool {
	s := e.shardFor(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return false
	}
	r, ok := a.reservations[commandID]
	if !ok {
		return false
	}
	r.opened = true
	return true
}

// Settle finalizes a reservation with its realized pnl and drives the
// state machine. Idempotent: a second settle for the same command is a
// no-op returning false.
func (e *Engine) Settle(accountID schema.AccountID, commandID string, pnl decimal.Decimal) bool {
	s := e.shardFor(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return false
	}
	if _, ok := a.reservations[commandID]; !ok {
		return false
	}
	delete(a.reservations, commandID)

	if pnl.IsNegative() {
		a.realizedLoss = a.realizedLoss.Add(pnl.Neg())
		a.consecutiveLosses++
		a.consecutiveWins = 0
		a.applyLossTransitions()
	} else {
		a.consecutiveWins++
		a.consecutiveLosses = 0
		a.realizedLoss = a.realizedLoss.Sub(pnl)
		if a.realizedLoss.IsNegative() {
			a.realizedLoss = decimal.Zero
		}
		if a.state == StateTiltWarning && a.profile.Limits.RecoveryWins > 0 &&
			a.consecutiveWins >= a.profile.Limits.RecoveryWins {
			a.transition(StateOpen, "recovered after consecutive wins")
		}
	}
	return true
}

func (a *account) applyLossTransitions() {
	limits := a.profile.Limits
	lossCap := a.profile.Balance.Mul(limits.MaxDailyLossPct)
	if a.realizedLoss.GreaterThanOrEqual(lossCap) {
		a.transition(StateLocked, "daily loss cap reached")
		return
	}
	switch a.state {
	case StateTiltWarning:
		// one more consecutive loss while tilted locks the account
		a.transition(StateLocked, "loss while tilted")
	case StateOpen:
		if limits.TiltAfterLosses > 0 && a.consecutiveLosses >= limits.TiltAfterLosses {
			a.transition(StateTiltWarning, "consecutive losses")
		}
	}
}

func (a *account) transition(to State, cause string) {
	if a.state == to {
		return
	}
	logs.Warnf("guardrail: account %s %s -> %s (%s)", a.id, a.state, to, cause)
	a.state = to
}

// Rollback releases a reservation without settling pnl, used when a
// command never executed (unreachable agent, timeout, agent reject).
// Idempotent like Settle. The daily trade count is not restored: a
// timed-out command may still have executed on the agent side.
func (e *Engine) Rollback(accountID schema.AccountID, commandID string) bool {
	s := e.shardFor(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return false
	}
	if _, ok := a.reservations[commandID]; !ok {
		return false
	}
	delete(a.reservations, commandID)
	return true
}

// Reset returns every account to OPEN at the daily boundary, regardless
// of prior state. Reservations for still-in-flight commands survive.
func (e *Engine) Reset() {
	for i := range e.shards {
		s := &e.shards[i]
		s.mu.Lock()
		for _, a := range s.accounts {
			a.state = StateOpen
			a.realizedLoss = decimal.Zero
			a.tradeCount = 0
			a.consecutiveLosses = 0
			a.consecutiveWins = 0
		}
		s.mu.Unlock()
	}
	logs.Info("guardrail: daily reset applied")
}

// View is a read-only account summary.
type View struct {
	AccountID         schema.AccountID
	State             State
	RealizedLoss      decimal.Decimal
	Reserved          decimal.Decimal
	TradeCount        int
	OpenPositions     int
	ConsecutiveLosses int
	ConsecutiveWins   int
}

// Account returns the current view of one account.
func (e *Engine) Account(accountID schema.AccountID) (View, bool) {
	s := e.shardFor(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return View{}, false
	}
	return a.view(), true
}

func (a *account) view() View {
	open := 0
	for _, r := range a.reservations {
		if r.opened {
			open++
		}
	}
	return View{
		AccountID:         a.id,
		State:             a.state,
		RealizedLoss:      a.realizedLoss,
		Reserved:          a.reservedLocked(),
		TradeCount:        a.tradeCount,
		OpenPositions:     open,
		ConsecutiveLosses: a.consecutiveLosses,
		ConsecutiveWins:   a.consecutiveWins,
	}
}

// Accounts returns views of every tracked account, for snapshotting.
func (e *Engine) Accounts() []View {
	var out []View
	for i := range e.shards {
		s := &e.shards[i]
		s.mu.Lock()
		for _, a := range s.accounts {
			out = append(out, a.view())
		}
		s.mu.Unlock()
	}
	return out
}
