package exception

import "github.com/yanun0323/errors"

// General errors
var (
	ErrNilInstance     = errors.New("nil instance")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrQueueFull       = errors.New("queue full")
	ErrQueueClosed     = errors.New("queue closed")
	ErrInternal        = errors.New("internal error")
)
