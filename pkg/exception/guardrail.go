package exception

import "github.com/yanun0323/errors"

// Guardrail rejection errors. Each maps to an explicit enumerable reason,
// never a generic failure.
var (
	ErrDailyLossCap   = errors.New("guardrail: daily loss cap reached")
	ErrTradeCountCap  = errors.New("guardrail: daily trade count cap reached")
	ErrConcurrencyCap = errors.New("guardrail: concurrent position cap reached")
	ErrAccountLocked  = errors.New("guardrail: account locked")
	ErrUnknownAccount = errors.New("guardrail: account not configured")
)
