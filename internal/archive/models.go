package archive

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommandRecord is the audit row for a fire command that reached terminal
// status or settled.
type CommandRecord struct {
	ID           string `gorm:"primaryKey;size:36"`
	AccountID    string `gorm:"index;size:64"`
	AgentID      string `gorm:"index;size:64"`
	Instrument   string `gorm:"size:32"`
	Direction    string `gorm:"size:8"`
	Size         decimal.Decimal `gorm:"type:numeric(20,8)"`
	RiskPercent  decimal.Decimal `gorm:"type:numeric(8,6)"`
	StopDistance decimal.Decimal `gorm:"type:numeric(20,8)"`
	ReservedLoss decimal.Decimal `gorm:"type:numeric(20,8)"`
	Status       string          `gorm:"size:16"`
	Reason       string          `gorm:"size:32"`
	IssuedAt     time.Time
	ArchivedAt   time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the gorm default.
func (CommandRecord) TableName() string { return "fire_commands" }

// AgentRecord is the audit row for an agent aged past the grace period.
type AgentRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	AgentID      string `gorm:"index;size:64"`
	Capabilities string `gorm:"size:512"`
	LastSeenAt   time.Time
	ArchivedAt   time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the gorm default.
func (AgentRecord) TableName() string { return "archived_agents" }

// DayRecord is the end-of-day guardrail state per account.
type DayRecord struct {
	AccountID         string `gorm:"primaryKey;size:64"`
	TradingDay        string `gorm:"primaryKey;size:10"`
	State             string `gorm:"size:16"`
	RealizedLoss      decimal.Decimal `gorm:"type:numeric(20,8)"`
	TradeCount        int
	ConsecutiveLosses int
	ConsecutiveWins   int
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

// TableName overrides the gorm default.
func (DayRecord) TableName() string { return "guardrail_days" }
