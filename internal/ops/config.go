package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"main/internal/gateway"
	"main/internal/guardrail"
	"main/internal/registry"
	"main/internal/router"
	"main/internal/schema"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Gateway  GatewayConfig   `json:"gateway"`
	Registry RegistryConfig  `json:"registry"`
	Router   RouterConfig    `json:"router"`
	Tiers    []TierConfig    `json:"tiers"`
	Accounts []AccountConfig `json:"accounts"`
	Snapshot SnapshotConfig  `json:"snapshot"`
	Database DatabaseConfig  `json:"database"`
	Reset    ResetConfig     `json:"reset"`
}

// GatewayConfig describes the agent websocket endpoint.
type GatewayConfig struct {
	Addr           string `json:"addr"`
	Path           string `json:"path"`
	SendBuffer     int    `json:"sendBuffer"`
	MaxMessageSize int64  `json:"maxMessageSize"`
}

// RegistryConfig describes agent liveness aging.
type RegistryConfig struct {
	TTLSeconds   int `json:"ttlSeconds"`
	GraceSeconds int `json:"graceSeconds"`
}

// RouterConfig describes dispatch limits.
type RouterConfig struct {
	ConfirmTimeoutSeconds int `json:"confirmTimeoutSeconds"`
	PerAgentOutstanding   int `json:"perAgentOutstanding"`
}

// TierConfig is a named set of risk caps shared by accounts.
type TierConfig struct {
	Name               string          `json:"name"`
	MaxDailyLossPct    decimal.Decimal `json:"maxDailyLossPct"`
	MaxDailyTrades     int             `json:"maxDailyTrades"`
	MaxConcurrent      int             `json:"maxConcurrent"`
	MaxRiskPctPerTrade decimal.Decimal `json:"maxRiskPctPerTrade"`
	TiltAfterLosses    int             `json:"tiltAfterLosses"`
	TiltRiskFactor     decimal.Decimal `json:"tiltRiskFactor"`
	RecoveryWins       int             `json:"recoveryWins"`
}

// AccountConfig binds an account to a tier and balance.
type AccountConfig struct {
	ID      string          `json:"id"`
	Tier    string          `json:"tier"`
	Balance decimal.Decimal `json:"balance"`
}

// SnapshotConfig controls periodic guardrail state persistence.
type SnapshotConfig struct {
	Path            string `json:"path"`
	IntervalSeconds int    `json:"intervalSeconds"`
}

// DatabaseConfig describes the optional audit archive.
type DatabaseConfig struct {
	Enabled   bool   `json:"enabled"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	User      string `json:"user"`
	Password  string `json:"password"`
	Database  string `json:"database"`
	SSLMode   string `json:"sslMode"`
	QueueSize int    `json:"queueSize"`
}

// ResetConfig controls the daily boundary job.
type ResetConfig struct {
	CronSpec string `json:"cronSpec"`
	Timezone string `json:"timezone"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Gateway  gateway.Config
	Registry registry.Config
	Router   router.Config
	Profiles map[schema.AccountID]guardrail.Profile
	Snapshot SnapshotSpec
	Database DatabaseConfig
	Reset    ResetSpec
}

// SnapshotSpec is the resolved snapshot schedule.
type SnapshotSpec struct {
	Path     string
	Interval time.Duration
}

// ResetSpec is the resolved daily boundary schedule.
type ResetSpec struct {
	CronSpec string
	Location *time.Location
}

type envOverrides struct {
	GatewayAddr string `env:"FIRECTL_GATEWAY_ADDR"`
	PGHost      string `env:"FIRECTL_PG_HOST"`
	PGPort      int    `env:"FIRECTL_PG_PORT"`
	PGUser      string `env:"FIRECTL_PG_USER"`
	PGPassword  string `env:"FIRECTL_PG_PASSWORD"`
	PGDatabase  string `env:"FIRECTL_PG_DATABASE"`
}

// Load reads a JSON config file, applies environment overrides, and
// resolves it into runtime configuration.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	return Resolve(cfg)
}

// Resolve validates a file config and builds the resolved form.
func Resolve(cfg FileConfig) (Loaded, error) {
	if err := applyEnv(&cfg); err != nil {
		return Loaded{}, err
	}
	profiles, err := buildProfiles(cfg.Tiers, cfg.Accounts)
	if err != nil {
		return Loaded{}, err
	}
	reset, err := resolveReset(cfg.Reset)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{
		Gateway:  resolveGateway(cfg.Gateway),
		Registry: resolveRegistry(cfg.Registry),
		Router:   resolveRouter(cfg.Router),
		Profiles: profiles,
		Snapshot: resolveSnapshot(cfg.Snapshot),
		Database: cfg.Database,
		Reset:    reset,
	}, nil
}

// ProfileFunc adapts the resolved profile table to the guardrail engine.
func (l Loaded) ProfileFunc() func(schema.AccountID) (guardrail.Profile, bool) {
	return func(id schema.AccountID) (guardrail.Profile, bool) {
		p, ok := l.Profiles[id]
		return p, ok
	}
}

func applyEnv(cfg *FileConfig) error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return err
	}
	if overrides.GatewayAddr != "" {
		cfg.Gateway.Addr = overrides.GatewayAddr
	}
	if overrides.PGHost != "" {
		cfg.Database.Host = overrides.PGHost
	}
	if overrides.PGPort != 0 {
		cfg.Database.Port = overrides.PGPort
	}
	if overrides.PGUser != "" {
		cfg.Database.User = overrides.PGUser
	}
	if overrides.PGPassword != "" {
		cfg.Database.Password = overrides.PGPassword
	}
	if overrides.PGDatabase != "" {
		cfg.Database.Database = overrides.PGDatabase
	}
	return nil
}

func resolveGateway(cfg GatewayConfig) gateway.Config {
	resolved := gateway.DefaultConfig()
	if cfg.Addr != "" {
		resolved.Addr = cfg.Addr
	}
	if cfg.Path != "" {
		resolved.Path = cfg.Path
	}
	if cfg.SendBuffer > 0 {
		resolved.SendBuffer = cfg.SendBuffer
	}
	if cfg.MaxMessageSize > 0 {
		resolved.MaxMessageSize = cfg.MaxMessageSize
	}
	return resolved
}

func resolveRegistry(cfg RegistryConfig) registry.Config {
	resolved := registry.DefaultConfig()
	if cfg.TTLSeconds > 0 {
		resolved.TTL = time.Duration(cfg.TTLSeconds) * time.Second
	}
	if cfg.GraceSeconds > 0 {
		resolved.Grace = time.Duration(cfg.GraceSeconds) * time.Second
	}
	return resolved
}

func resolveRouter(cfg RouterConfig) router.Config {
	resolved := router.DefaultConfig()
	if cfg.ConfirmTimeoutSeconds > 0 {
		resolved.ConfirmTimeout = time.Duration(cfg.ConfirmTimeoutSeconds) * time.Second
	}
	if cfg.PerAgentOutstanding > 0 {
		resolved.PerAgentOutstanding = cfg.PerAgentOutstanding
	}
	return resolved
}

func resolveSnapshot(cfg SnapshotConfig) SnapshotSpec {
	spec := SnapshotSpec{
		Path:     cfg.Path,
		Interval: time.Minute,
	}
	if cfg.IntervalSeconds > 0 {
		spec.Interval = time.Duration(cfg.IntervalSeconds) * time.Second
	}
	return spec
}

func resolveReset(cfg ResetConfig) (ResetSpec, error) {
	spec := ResetSpec{
		CronSpec: "0 0 * * *",
		Location: time.UTC,
	}
	if cfg.CronSpec != "" {
		spec.CronSpec = cfg.CronSpec
	}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return ResetSpec{}, fmt.Errorf("invalid reset timezone %s: %w", cfg.Timezone, err)
		}
		spec.Location = loc
	}
	return spec, nil
}

func buildProfiles(tiers []TierConfig, accounts []AccountConfig) (map[schema.AccountID]guardrail.Profile, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}
	byName := make(map[string]guardrail.Limits, len(tiers))
	for _, tier := range tiers {
		if tier.Name == "" {
			return nil, fmt.Errorf("tier name is empty")
		}
		if err := validateTier(tier); err != nil {
			return nil, fmt.Errorf("invalid tier %s: %w", tier.Name, err)
		}
		if _, dup := byName[tier.Name]; dup {
			return nil, fmt.Errorf("duplicate tier: %s", tier.Name)
		}
		byName[tier.Name] = guardrail.Limits{
			MaxDailyLossPct:    tier.MaxDailyLossPct,
			MaxDailyTrades:     tier.MaxDailyTrades,
			MaxConcurrent:      tier.MaxConcurrent,
			MaxRiskPctPerTrade: tier.MaxRiskPctPerTrade,
			TiltAfterLosses:    tier.TiltAfterLosses,
			TiltRiskFactor:     tier.TiltRiskFactor,
			RecoveryWins:       tier.RecoveryWins,
		}
	}
	profiles := make(map[schema.AccountID]guardrail.Profile, len(accounts))
	for _, acct := range accounts {
		if acct.ID == "" {
			return nil, fmt.Errorf("account id is empty")
		}
		limits, ok := byName[acct.Tier]
		if !ok {
			return nil, fmt.Errorf("account %s references unknown tier: %s", acct.ID, acct.Tier)
		}
		if !acct.Balance.IsPositive() {
			return nil, fmt.Errorf("account %s balance must be > 0", acct.ID)
		}
		id := schema.AccountID(acct.ID)
		if _, dup := profiles[id]; dup {
			return nil, fmt.Errorf("duplicate account: %s", acct.ID)
		}
		profiles[id] = guardrail.Profile{
			Balance: acct.Balance,
			Limits:  limits,
		}
	}
	return profiles, nil
}

func validateTier(tier TierConfig) error {
	if !tier.MaxDailyLossPct.IsPositive() {
		return fmt.Errorf("maxDailyLossPct must be > 0")
	}
	if !tier.MaxRiskPctPerTrade.IsPositive() {
		return fmt.Errorf("maxRiskPctPerTrade must be > 0")
	}
	if tier.MaxDailyTrades <= 0 {
		return fmt.Errorf("maxDailyTrades must be > 0")
	}
	if tier.MaxConcurrent <= 0 {
		return fmt.Errorf("maxConcurrent must be > 0")
	}
	if tier.TiltAfterLosses <= 0 {
		return fmt.Errorf("tiltAfterLosses must be > 0")
	}
	if tier.TiltRiskFactor.IsNegative() || tier.TiltRiskFactor.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("tiltRiskFactor must be within [0, 1]")
	}
	if tier.RecoveryWins <= 0 {
		return fmt.Errorf("recoveryWins must be > 0")
	}
	return nil
}
