package registry

import (
	"sort"
	"sync"
	"time"

	"main/internal/schema"
	"main/pkg/exception"
)

// AgentState is the lifecycle state of a registered agent.
type AgentState uint16

const (
	AgentStateUnknown AgentState = iota
	AgentStateLive
	AgentStateDead
	AgentStateArchived
)

func (s AgentState) String() string {
	switch s {
	case AgentStateLive:
		return "LIVE"
	case AgentStateDead:
		return "DEAD"
	case AgentStateArchived:
		return "ARCHIVED"
	default:
		return "UNKNOWN"
	}
}

// Sender delivers an outbound fire command to a connected agent.
type Sender interface {
	Send(cmd schema.FireCommand) error
}

// Agent is the registry's view of one execution agent.
type Agent struct {
	ID           schema.AgentID
	LastSeenNano int64
	Capabilities map[string]struct{}
	State        AgentState
}

// LivenessEvent is emitted on every lifecycle transition, for observability.
type LivenessEvent struct {
	AgentID schema.AgentID
	From    AgentState
	To      AgentState
	AtNano  int64
}

// Config controls liveness aging.
type Config struct {
	TTL   time.Duration
	Grace time.Duration
}

// DefaultConfig returns the standard aging windows.
func DefaultConfig() Config {
	return Config{
		TTL:   90 * time.Second,
		Grace: 10 * time.Minute,
	}
}

// Registry tracks addressable execution agents. An agent is live iff its
// last liveness message is within the TTL; dead agents are kept for a
// grace period for audit, then archived.
type Registry struct {
	cfg     Config
	now     func() time.Time
	onEvent func(LivenessEvent)
	archive func(Agent)

	mu         sync.Mutex
	agents     map[schema.AgentID]*Agent
	senders    map[schema.AgentID]Sender
	byCap      map[string]map[schema.AgentID]struct{}
	rrCursor   map[string]uint64
	deadlines  deadlineHeap
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEventHandler registers a liveness-change observer.
func WithEventHandler(fn func(LivenessEvent)) Option {
	return func(r *Registry) { r.onEvent = fn }
}

// WithArchiveSink registers a sink receiving agents aged past grace.
func WithArchiveSink(fn func(Agent)) Option {
	return func(r *Registry) { r.archive = fn }
}

// New creates an empty registry.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultConfig().Grace
	}
	r := &Registry{
		cfg:      cfg,
		now:      time.Now,
		agents:   make(map[schema.AgentID]*Agent),
		senders:  make(map[schema.AgentID]Sender),
		byCap:    make(map[string]map[schema.AgentID]struct{}),
		rrCursor: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordLiveness upserts an agent's last-seen time and capability set.
// Idempotent; promotes a dead agent back to live.
func (r *Registry) RecordLiveness(agentID schema.AgentID, capabilities []string) {
	nowNano := r.now().UnixNano()

	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		a = &Agent{
			ID:           agentID,
			Capabilities: make(map[string]struct{}, len(capabilities)),
			State:        AgentStateLive,
		}
		r.agents[agentID] = a
	}

	var event *LivenessEvent
	if a.State == AgentStateDead {
		event = &LivenessEvent{AgentID: agentID, From: AgentStateDead, To: AgentStateLive, AtNano: nowNano}
		a.State = AgentStateLive
	}

	a.LastSeenNano = nowNano
	r.updateCapabilities(a, capabilities)
	r.deadlines.push(deadlineEntry{
		agentID:  agentID,
		seenNano: nowNano,
		deadline: nowNano + r.cfg.TTL.Nanoseconds(),
		phase:    phaseLive,
	})
	r.mu.Unlock()

	if event != nil && r.onEvent != nil {
		r.onEvent(*event)
	}
}

func (r *Registry) updateCapabilities(a *Agent, capabilities []string) {
	next := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		next[c] = struct{}{}
	}
	for c := range a.Capabilities {
		if _, keep := next[c]; !keep {
			delete(r.byCap[c], a.ID)
			if len(r.byCap[c]) == 0 {
				delete(r.byCap, c)
			}
		}
	}
	for c := range next {
		set, ok := r.byCap[c]
		if !ok {
			set = make(map[schema.AgentID]struct{})
			r.byCap[c] = set
		}
		set[a.ID] = struct{}{}
	}
	a.Capabilities = next
}

// IsLive reports whether the agent's last liveness is within the TTL.
// Pure lookup, no side effects.
func (r *Registry) IsLive(agentID schema.AgentID) bool {
	nowNano := r.now().UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok || a.State == AgentStateArchived {
		return false
	}
	return nowNano-a.LastSeenNano <= r.cfg.TTL.Nanoseconds()
}

// Select returns one live agent declaring capability for the instrument,
// round-robin among eligible agents to spread load. ok=false when no live
// agent qualifies.
func (r *Registry) Select(instrument string) (schema.AgentID, bool) {
	nowNano := r.now().UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byCap[instrument]
	if !ok || len(set) == 0 {
		return "", false
	}

	eligible := make([]schema.AgentID, 0, len(set))
	for id := range set {
		a := r.agents[id]
		if a == nil || a.State == AgentStateArchived {
			continue
		}
		if nowNano-a.LastSeenNano <= r.cfg.TTL.Nanoseconds() {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i] < eligible[j] })

	cursor := r.rrCursor[instrument]
	r.rrCursor[instrument] = cursor + 1
	return eligible[cursor%uint64(len(eligible))], true
}

// Attach binds an outbound sender to an agent id. The gateway calls this
// when the agent's connection is established.
func (r *Registry) Attach(agentID schema.AgentID, sender Sender) {
	r.mu.Lock()
	r.senders[agentID] = sender
	r.mu.Unlock()
}

// Detach removes the agent's outbound sender.
func (r *Registry) Detach(agentID schema.AgentID) {
	r.mu.Lock()
	delete(r.senders, agentID)
	r.mu.Unlock()
}

// Sender returns the outbound sender for an agent.
func (r *Registry) Sender(agentID schema.AgentID) (Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.senders[agentID]
	if !ok {
		return nil, exception.ErrGatewayNoSession
	}
	return s, nil
}

// Agent returns a copy of the agent record.
func (r *Registry) Agent(agentID schema.AgentID) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return snapshotAgent(a), true
}

func snapshotAgent(a *Agent) Agent {
	caps := make(map[string]struct{}, len(a.Capabilities))
	for c := range a.Capabilities {
		caps[c] = struct{}{}
	}
	return Agent{
		ID:           a.ID,
		LastSeenNano: a.LastSeenNano,
		Capabilities: caps,
		State:        a.State,
	}
}
