package archive

import (
	"context"
	"strings"
	"time"

	"github.com/yanun0323/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/internal/guardrail"
	"main/internal/registry"
	"main/internal/schema"
)

// Store persists audit records through a bounded queue and a single
// writer goroutine, keeping database writes off the routing hot path.
type Store struct {
	db    *gorm.DB
	queue chan any
}

// NewStore migrates the audit tables and returns a store.
func NewStore(db *gorm.DB, queueSize int) (*Store, error) {
	if err := db.AutoMigrate(&CommandRecord{}, &AgentRecord{}, &DayRecord{}); err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Store{
		db:    db,
		queue: make(chan any, queueSize),
	}, nil
}

// Run drains the write queue until the context is done.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-s.queue:
			s.write(record)
		}
	}
}

func (s *Store) write(record any) {
	var err error
	switch r := record.(type) {
	case CommandRecord:
		err = s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&r).Error
	case AgentRecord:
		err = s.db.Create(&r).Error
	case DayRecord:
		err = s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "trading_day"}},
			UpdateAll: true,
		}).Create(&r).Error
	}
	if err != nil {
		logs.Errorf("archive: write failed: %v", err)
	}
}

func (s *Store) enqueue(record any) {
	select {
	case s.queue <- record:
	default:
		logs.Errorf("archive: queue full, record dropped")
	}
}

// Command records a terminal fire command.
func (s *Store) Command(cmd schema.FireCommand) {
	s.enqueue(CommandRecord{
		ID:           cmd.ID,
		AccountID:    string(cmd.AccountID),
		AgentID:      string(cmd.AgentID),
		Instrument:   cmd.Instrument,
		Direction:    cmd.Direction.String(),
		Size:         cmd.Size,
		RiskPercent:  cmd.RiskPercent,
		StopDistance: cmd.StopDistance,
		ReservedLoss: cmd.ReservedLoss,
		Status:       cmd.Status.String(),
		Reason:       cmd.Reason.String(),
		IssuedAt:     time.Unix(0, cmd.IssuedAtNano),
	})
}

// Agent records an agent aged out of the registry.
func (s *Store) Agent(a registry.Agent) {
	caps := make([]string, 0, len(a.Capabilities))
	for c := range a.Capabilities {
		caps = append(caps, c)
	}
	s.enqueue(AgentRecord{
		AgentID:      string(a.ID),
		Capabilities: strings.Join(caps, ","),
		LastSeenAt:   time.Unix(0, a.LastSeenNano),
	})
}

// DayState upserts the guardrail state for one account and day.
func (s *Store) DayState(tradingDay string, v guardrail.View) {
	s.enqueue(DayRecord{
		AccountID:         string(v.AccountID),
		TradingDay:        tradingDay,
		State:             v.State.String(),
		RealizedLoss:      v.RealizedLoss,
		TradeCount:        v.TradeCount,
		ConsecutiveLosses: v.ConsecutiveLosses,
		ConsecutiveWins:   v.ConsecutiveWins,
	})
}
