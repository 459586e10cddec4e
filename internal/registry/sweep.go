package registry

import (
	"container/heap"

	"main/internal/schema"
)

type deadlinePhase uint8

const (
	phaseLive deadlinePhase = iota
	phaseDead
)

// deadlineEntry is a lazily-invalidated min-heap entry keyed by the next
// aging deadline, so the sweep never scans every agent per tick. An entry
// is stale when the agent has been seen since it was pushed.
type deadlineEntry struct {
	agentID  schema.AgentID
	seenNano int64
	deadline int64
	phase    deadlinePhase
}

type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (h *deadlineHeap) push(e deadlineEntry) {
	heap.Push(h, e)
}

// Sweep ages out agents whose deadlines have passed: live agents past TTL
// become dead, dead agents past the grace period are archived and removed.
// Intended to run on a fixed interval from the scheduler.
func (r *Registry) Sweep() {
	nowNano := r.now().UnixNano()

	var events []LivenessEvent
	var archived []Agent

	r.mu.Lock()
	for r.deadlines.Len() > 0 {
		top := r.deadlines[0]
		if top.deadline > nowNano {
			break
		}
		heap.Pop(&r.deadlines)

		a, ok := r.agents[top.agentID]
		if !ok {
			continue
		}
		if a.LastSeenNano != top.seenNano {
			// agent was seen again after this entry was pushed
			continue
		}

		switch top.phase {
		case phaseLive:
			if a.State != AgentStateLive {
				continue
			}
			a.State = AgentStateDead
			events = append(events, LivenessEvent{
				AgentID: a.ID, From: AgentStateLive, To: AgentStateDead, AtNano: nowNano,
			})
			r.deadlines.push(deadlineEntry{
				agentID:  top.agentID,
				seenNano: top.seenNano,
				deadline: top.seenNano + r.cfg.TTL.Nanoseconds() + r.cfg.Grace.Nanoseconds(),
				phase:    phaseDead,
			})
		case phaseDead:
			if a.State != AgentStateDead {
				continue
			}
			a.State = AgentStateArchived
			events = append(events, LivenessEvent{
				AgentID: a.ID, From: AgentStateDead, To: AgentStateArchived, AtNano: nowNano,
			})
			archived = append(archived, snapshotAgent(a))
			r.removeLocked(a)
		}
	}
	r.mu.Unlock()

	if r.onEvent != nil {
		for _, e := range events {
			r.onEvent(e)
		}
	}
	if r.archive != nil {
		for _, a := range archived {
			r.archive(a)
		}
	}
}

func (r *Registry) removeLocked(a *Agent) {
	for c := range a.Capabilities {
		delete(r.byCap[c], a.ID)
		if len(r.byCap[c]) == 0 {
			delete(r.byCap, c)
		}
	}
	delete(r.senders, a.ID)
	delete(r.agents, a.ID)
}
