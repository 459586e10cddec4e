package gateway

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"main/internal/schema"
	"main/pkg/exception"
)

// Message types on the agent wire protocol. Every frame is a JSON object
// with a "type" discriminator.
const (
	msgLiveness     = "liveness"
	msgConfirmation = "confirmation"
	msgFire         = "fire"
)

type envelope struct {
	Type string `json:"type"`
}

// livenessMessage is the periodic heartbeat every agent sends.
type livenessMessage struct {
	Type         string   `json:"type"`
	AgentID      string   `json:"agentId"`
	Capabilities []string `json:"capabilities"`
	Timestamp    int64    `json:"timestamp"`
}

// confirmationMessage reports the outcome of a previously sent command.
type confirmationMessage struct {
	Type          string           `json:"type"`
	FireCommandID string           `json:"fireCommandId"`
	Outcome       string           `json:"outcome"`
	FillPrice     decimal.Decimal  `json:"fillPrice"`
	RealizedPnl   *decimal.Decimal `json:"realizedPnl,omitempty"`
	Timestamp     int64            `json:"timestamp"`
}

// fireMessage is the outbound command addressed to one agent.
type fireMessage struct {
	Type               string          `json:"type"`
	FireCommandID      string          `json:"fireCommandId"`
	Instrument         string          `json:"instrument"`
	Direction          string          `json:"direction"`
	Size               decimal.Decimal `json:"size"`
	StopDistance       decimal.Decimal `json:"stopDistance"`
	TakeProfitDistance decimal.Decimal `json:"takeProfitDistance"`
}

func encodeFire(cmd schema.FireCommand) fireMessage {
	return fireMessage{
		Type:               msgFire,
		FireCommandID:      cmd.ID,
		Instrument:         cmd.Instrument,
		Direction:          cmd.Direction.String(),
		Size:               cmd.Size,
		StopDistance:       cmd.StopDistance,
		TakeProfitDistance: cmd.TakeProfit,
	}
}

// decodeConfirmation maps a wire confirmation to the domain type. A fill
// without realizedPnl opened a position; the close report carries the
// final pnl.
func decodeConfirmation(raw []byte) (schema.Confirmation, error) {
	var msg confirmationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return schema.Confirmation{}, exception.ErrGatewayBadMessage
	}
	if msg.FireCommandID == "" {
		return schema.Confirmation{}, exception.ErrGatewayBadMessage
	}
	conf := schema.Confirmation{
		FireCommandID: msg.FireCommandID,
		Outcome:       schema.ParseOutcome(msg.Outcome),
		FillPrice:     msg.FillPrice,
		TimestampNano: msg.Timestamp,
	}
	if msg.RealizedPnl != nil {
		conf.RealizedPnl = *msg.RealizedPnl
		conf.Closed = true
	}
	return conf, nil
}

func decodeLiveness(raw []byte) (livenessMessage, error) {
	var msg livenessMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return livenessMessage{}, exception.ErrGatewayBadMessage
	}
	if msg.AgentID == "" {
		return livenessMessage{}, exception.ErrGatewayBadMessage
	}
	return msg, nil
}
