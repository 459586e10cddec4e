package core

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"main/internal/bus"
	"main/internal/correlator"
	"main/internal/guardrail"
	"main/internal/obs"
	"main/internal/registry"
	"main/internal/router"
	"main/internal/schema"
)

func newDispatcherFixture(t *testing.T) (*Dispatcher, *bus.Queue, *registry.Registry, *obs.Metrics) {
	t.Helper()
	queue := bus.NewQueue(16)
	reg := registry.New(registry.DefaultConfig())
	guard := guardrail.NewEngine(func(schema.AccountID) (guardrail.Profile, bool) {
		return guardrail.Profile{Balance: decimal.NewFromInt(10000)}, true
	})
	metrics := obs.NewMetrics()
	table := router.NewTable()
	corr := correlator.New(table, guard, correlator.WithMetrics(metrics))
	return NewDispatcher(queue, reg, corr), queue, reg, metrics
}

func TestDispatcherRoutesLiveness(t *testing.T) {
	dispatcher, queue, reg, _ := newDispatcherFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	require.NoError(t, queue.TryPublish(bus.Event{
		Kind:         bus.EventLiveness,
		AgentID:      schema.AgentID("agent-1"),
		Capabilities: []string{"EURUSD"},
		RecvNano:     time.Now().UnixNano(),
	}))

	require.Eventually(t, func() bool {
		return reg.IsLive(schema.AgentID("agent-1"))
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestDispatcherRoutesConfirmation(t *testing.T) {
	dispatcher, queue, _, metrics := newDispatcherFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	// No command in flight, so the correlator records it as unknown.
	require.NoError(t, queue.TryPublish(bus.Event{
		Kind: bus.EventConfirmation,
		Confirmation: schema.Confirmation{
			FireCommandID: "nope",
			Outcome:       schema.OutcomeFilled,
		},
	}))

	require.Eventually(t, func() bool {
		return metrics.Snapshot().UnknownConfirms == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestDispatcherStopsWhenQueueCloses(t *testing.T) {
	dispatcher, queue, _, _ := newDispatcherFixture(t)

	done := make(chan struct{})
	go func() {
		dispatcher.Run(context.Background())
		close(done)
	}()

	queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
}
