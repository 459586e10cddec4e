package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"main/internal/schema"
	"main/pkg/exception"
)

func TestDecodeConfirmationOpenFill(t *testing.T) {
	raw := []byte(`{"type":"confirmation","fireCommandId":"cmd-1","outcome":"FILLED","fillPrice":"1.0842","timestamp":1700000000}`)
	conf, err := decodeConfirmation(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conf.Outcome != schema.OutcomeFilled {
		t.Fatalf("outcome=%s", conf.Outcome)
	}
	if conf.Closed {
		t.Fatal("fill without realizedPnl must not be a close")
	}
	if !conf.FillPrice.Equal(decimal.RequireFromString("1.0842")) {
		t.Fatalf("fillPrice=%s", conf.FillPrice)
	}
}

func TestDecodeConfirmationClose(t *testing.T) {
	raw := []byte(`{"type":"confirmation","fireCommandId":"cmd-1","outcome":"FILLED","fillPrice":"1.0900","realizedPnl":"-125.50","timestamp":1700000001}`)
	conf, err := decodeConfirmation(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !conf.Closed {
		t.Fatal("realizedPnl present must mark the confirmation as a close")
	}
	if !conf.RealizedPnl.Equal(decimal.RequireFromString("-125.50")) {
		t.Fatalf("pnl=%s", conf.RealizedPnl)
	}
}

func TestDecodeConfirmationRejectsMissingID(t *testing.T) {
	raw := []byte(`{"type":"confirmation","outcome":"FILLED"}`)
	if _, err := decodeConfirmation(raw); err != exception.ErrGatewayBadMessage {
		t.Fatalf("expected bad message, got %v", err)
	}
}

func TestDecodeLiveness(t *testing.T) {
	raw := []byte(`{"type":"liveness","agentId":"agent-7","capabilities":["EURUSD","XAUUSD"],"timestamp":1700000000}`)
	msg, err := decodeLiveness(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.AgentID != "agent-7" || len(msg.Capabilities) != 2 {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if _, err := decodeLiveness([]byte(`{"type":"liveness"}`)); err != exception.ErrGatewayBadMessage {
		t.Fatalf("expected bad message for empty agent id, got %v", err)
	}
}

func TestEncodeFireRoundTrip(t *testing.T) {
	cmd := schema.FireCommand{
		ID:           "cmd-9",
		Instrument:   "EURUSD",
		Direction:    schema.DirectionShort,
		Size:         decimal.RequireFromString("40000"),
		StopDistance: decimal.RequireFromString("0.0050"),
		TakeProfit:   decimal.RequireFromString("0.0100"),
	}
	raw, err := json.Marshal(encodeFire(cmd))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded fireMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != msgFire || decoded.FireCommandID != "cmd-9" || decoded.Direction != "SHORT" {
		t.Fatalf("unexpected frame: %+v", decoded)
	}
	if !decoded.Size.Equal(cmd.Size) {
		t.Fatalf("size=%s", decoded.Size)
	}
}

func TestSessionSendNeverBlocks(t *testing.T) {
	s := &session{
		outbound: make(chan fireMessage, 1),
		done:     make(chan struct{}),
	}
	if err := s.Send(schema.FireCommand{ID: "a"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := s.Send(schema.FireCommand{ID: "b"}); err != exception.ErrGatewaySendBuffer {
		t.Fatalf("expected full buffer error, got %v", err)
	}

	close(s.done)
	if err := s.Send(schema.FireCommand{ID: "c"}); err != exception.ErrGatewaySessionClosed {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestSessionBindsAgentOnce(t *testing.T) {
	// the id is bound on the read pump while other goroutines log it;
	// concurrent binds must not race and must keep the first winner
	s := &session{done: make(chan struct{})}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.bind(schema.AgentID(fmt.Sprintf("agent-%d", n)))
			_ = s.agent()
		}(i)
	}
	wg.Wait()

	bound := s.agent()
	if bound == "" {
		t.Fatal("no agent bound")
	}
	if s.bind(schema.AgentID("late")) {
		t.Fatal("rebind should be refused")
	}
	if s.agent() != bound {
		t.Fatalf("agent changed from %s to %s", bound, s.agent())
	}
}
