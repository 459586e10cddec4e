package exception

import "github.com/yanun0323/errors"

// Routing errors returned synchronously by the command router. None of
// these are retried automatically; the caller must resubmit.
var (
	ErrNoAgentAvailable  = errors.New("routing: no live agent for instrument")
	ErrAgentSaturated    = errors.New("routing: agent at outstanding command cap")
	ErrAgentUnreachable  = errors.New("routing: agent went unreachable before send")
	ErrCommandNotPending = errors.New("routing: command is no longer pending")
	ErrUnknownCommand    = errors.New("routing: fire command not found")
	ErrDuplicateCommand  = errors.New("routing: fire command already exists")
)
