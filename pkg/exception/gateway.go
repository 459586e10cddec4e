package exception

import "github.com/yanun0323/errors"

// Gateway errors
var (
	ErrGatewaySessionClosed = errors.New("gateway: session closed")
	ErrGatewaySendBuffer    = errors.New("gateway: outbound buffer full")
	ErrGatewayBadMessage    = errors.New("gateway: malformed agent message")
	ErrGatewayNoSession     = errors.New("gateway: no session for agent")
)
