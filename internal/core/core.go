/*
Core dispatches inbound agent events to the owning modules.

# Module
  - event loop: single consumer draining the gateway's bounded queue
  - liveness events refresh the agent registry
  - confirmation events feed the confirmation correlator

# Source
 1. liveness and confirmation frames from the agent gateway
 2. synthetic events from tests and the agent simulator

# Produce
  - registry liveness updates
  - guardrail settlements via the correlator
*/
package core

import (
	"context"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/correlator"
	"main/internal/registry"
)

// Dispatcher consumes gateway events and routes them by kind. It is the
// single writer feeding the registry and correlator, so confirmation
// handling for one agent never races its liveness updates.
type Dispatcher struct {
	queue      *bus.Queue
	registry   *registry.Registry
	correlator *correlator.Correlator
}

// NewDispatcher wires the event queue to its consumers.
func NewDispatcher(queue *bus.Queue, reg *registry.Registry, corr *correlator.Correlator) *Dispatcher {
	return &Dispatcher{
		queue:      queue,
		registry:   reg,
		correlator: corr,
	}
}

// Run drains the queue until the context is done or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	d.queue.Run(ctx, d.handle)
}

func (d *Dispatcher) handle(e bus.Event) {
	switch e.Kind {
	case bus.EventLiveness:
		d.registry.RecordLiveness(e.AgentID, e.Capabilities)
	case bus.EventConfirmation:
		d.correlator.OnConfirmation(e.Confirmation)
	default:
		logs.Warnf("dropping event with unknown kind %d from agent %s", e.Kind, e.AgentID)
	}
}
