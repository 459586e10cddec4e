package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// agentsim is a simulated execution agent: it heartbeats against the
// gateway, accepts fire commands, and reports fills and closes with a
// configurable reject and loss mix.

type livenessMessage struct {
	Type         string   `json:"type"`
	AgentID      string   `json:"agentId"`
	Capabilities []string `json:"capabilities"`
	Timestamp    int64    `json:"timestamp"`
}

type confirmationMessage struct {
	Type          string           `json:"type"`
	FireCommandID string           `json:"fireCommandId"`
	Outcome       string           `json:"outcome"`
	FillPrice     decimal.Decimal  `json:"fillPrice"`
	RealizedPnl   *decimal.Decimal `json:"realizedPnl,omitempty"`
	Timestamp     int64            `json:"timestamp"`
}

type fireMessage struct {
	Type               string          `json:"type"`
	FireCommandID      string          `json:"fireCommandId"`
	Instrument         string          `json:"instrument"`
	Direction          string          `json:"direction"`
	Size               decimal.Decimal `json:"size"`
	StopDistance       decimal.Decimal `json:"stopDistance"`
	TakeProfitDistance decimal.Decimal `json:"takeProfitDistance"`
}

type simConfig struct {
	agentID      string
	capabilities []string
	liveness     time.Duration
	fillDelay    time.Duration
	holdDelay    time.Duration
	rejectPct    float64
	lossPct      float64
	refPrice     decimal.Decimal
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:7340/agents", "Gateway websocket URL")
	agentID := flag.String("agent", "sim-1", "Agent identifier")
	capabilities := flag.String("capabilities", "EURUSD,GBPUSD", "Comma-separated instruments")
	livenessInterval := flag.Duration("liveness-interval", 15*time.Second, "Heartbeat interval")
	fillDelay := flag.Duration("fill-delay", 200*time.Millisecond, "Delay before reporting a fill")
	holdDelay := flag.Duration("hold-delay", 2*time.Second, "Delay between fill and close")
	rejectPct := flag.Float64("reject-pct", 0, "Fraction of commands to reject [0,1]")
	lossPct := flag.Float64("loss-pct", 0.5, "Fraction of closed positions hitting the stop [0,1]")
	refPrice := flag.String("ref-price", "1.0850", "Reference fill price")
	seed := flag.Int64("seed", 0, "Random seed (0=time-based)")
	flag.Parse()

	if *rejectPct < 0 || *rejectPct > 1 || *lossPct < 0 || *lossPct > 1 {
		log.Fatal("reject-pct and loss-pct must be within [0,1]")
	}
	price, err := decimal.NewFromString(*refPrice)
	if err != nil {
		log.Fatalf("invalid ref-price: %v", err)
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	cfg := simConfig{
		agentID:      *agentID,
		capabilities: strings.Split(*capabilities, ","),
		liveness:     *livenessInterval,
		fillDelay:    *fillDelay,
		holdDelay:    *holdDelay,
		rejectPct:    *rejectPct,
		lossPct:      *lossPct,
		refPrice:     price,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runAgent(ctx, *url, cfg, rand.New(rand.NewSource(*seed))); err != nil {
		log.Fatalf("agentsim failed: %v", err)
	}
}

func runAgent(ctx context.Context, url string, cfg simConfig, rng *rand.Rand) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	agent := &simAgent{cfg: cfg, conn: conn, rng: rng}
	agent.sendLiveness()

	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.readLoop(ctx)
	}()

	ticker := time.NewTicker(cfg.liveness)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			agent.close()
			<-done
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			agent.sendLiveness()
		}
	}
}

type simAgent struct {
	cfg  simConfig
	conn *websocket.Conn
	rng  *rand.Rand

	mu     sync.Mutex
	closed bool
}

// roll draws under the write lock; rand.Rand is not goroutine safe and
// every execute runs on its own goroutine.
func (a *simAgent) roll() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Float64()
}

// writeJSON serializes all writers sharing the connection; gorilla
// permits only one concurrent writer.
func (a *simAgent) writeJSON(v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if err := a.conn.WriteJSON(v); err != nil {
		logs.Warnf("write failed: %v", err)
	}
}

func (a *simAgent) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	_ = a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = a.conn.Close()
}

func (a *simAgent) sendLiveness() {
	a.writeJSON(livenessMessage{
		Type:         "liveness",
		AgentID:      a.cfg.agentID,
		Capabilities: a.cfg.capabilities,
		Timestamp:    time.Now().UnixNano(),
	})
}

func (a *simAgent) readLoop(ctx context.Context) {
	a.conn.SetPingHandler(func(appData string) error {
		return a.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logs.Warnf("read failed: %v", err)
			}
			return
		}
		var msg fireMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "fire" {
			logs.Warnf("ignoring unexpected frame: %s", raw)
			continue
		}
		go a.execute(ctx, msg)
	}
}

// execute plays out one command: reject outright, or fill and later
// close at either the stop or the take-profit level.
func (a *simAgent) execute(ctx context.Context, msg fireMessage) {
	if !sleep(ctx, a.cfg.fillDelay) {
		return
	}
	if a.roll() < a.cfg.rejectPct {
		a.writeJSON(confirmationMessage{
			Type:          "confirmation",
			FireCommandID: msg.FireCommandID,
			Outcome:       "REJECTED",
			Timestamp:     time.Now().UnixNano(),
		})
		logs.Infof("rejected %s", msg.FireCommandID)
		return
	}

	a.writeJSON(confirmationMessage{
		Type:          "confirmation",
		FireCommandID: msg.FireCommandID,
		Outcome:       "FILLED",
		FillPrice:     a.cfg.refPrice,
		Timestamp:     time.Now().UnixNano(),
	})

	if !sleep(ctx, a.cfg.holdDelay) {
		return
	}
	pnl := msg.Size.Mul(msg.TakeProfitDistance)
	exit := a.cfg.refPrice.Add(msg.TakeProfitDistance)
	if a.roll() < a.cfg.lossPct {
		pnl = msg.Size.Mul(msg.StopDistance).Neg()
		exit = a.cfg.refPrice.Sub(msg.StopDistance)
	}
	a.writeJSON(confirmationMessage{
		Type:          "confirmation",
		FireCommandID: msg.FireCommandID,
		Outcome:       "FILLED",
		FillPrice:     exit,
		RealizedPnl:   &pnl,
		Timestamp:     time.Now().UnixNano(),
	})
	logs.Infof("closed %s pnl=%s", msg.FireCommandID, pnl)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
