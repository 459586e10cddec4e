package obs

import (
	"sync/atomic"
	"time"

	"main/internal/schema"
)

const maxRejectReason = int(schema.RejectReasonTimedOut)

// Metrics collects lightweight counters and latency stats for the fire
// command path. All methods are nil-safe and lock-free.
type Metrics struct {
	admitted     uint64
	confirmed    uint64
	settled      uint64
	timedOut     uint64
	duplicates   uint64
	unknownConfs uint64
	queueDrops   uint64

	rejectReasonCounts [maxRejectReason + 1]uint64

	submitLatency    LatencyStats
	roundTripLatency LatencyStats
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Admitted           uint64
	Confirmed          uint64
	Settled            uint64
	TimedOut           uint64
	DuplicateConfirms  uint64
	UnknownConfirms    uint64
	QueueDrops         uint64
	RejectReasonCounts map[schema.RejectReason]uint64
	SubmitLatency      LatencySnapshot
	RoundTripLatency   LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncAdmitted counts a command admitted by the guardrail.
func (m *Metrics) IncAdmitted() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.admitted, 1)
}

// IncConfirmed counts a confirmation applied to a command.
func (m *Metrics) IncConfirmed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.confirmed, 1)
}

// IncSettled counts a final pnl settlement.
func (m *Metrics) IncSettled() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.settled, 1)
}

// IncTimedOut counts a command that expired without confirmation.
func (m *Metrics) IncTimedOut() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.timedOut, 1)
}

// IncDuplicateConfirm counts a discarded duplicate confirmation.
func (m *Metrics) IncDuplicateConfirm() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.duplicates, 1)
}

// IncUnknownConfirm counts a confirmation for an unknown command.
func (m *Metrics) IncUnknownConfirm() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.unknownConfs, 1)
}

// IncQueueDrop records an inbound event dropped on a full queue.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncReject increments the counter for a rejection reason.
func (m *Metrics) IncReject(reason schema.RejectReason) {
	if m == nil {
		return
	}
	idx := int(reason)
	if idx >= 0 && idx < len(m.rejectReasonCounts) {
		atomic.AddUint64(&m.rejectReasonCounts[idx], 1)
	}
}

// ObserveSubmit measures the submit path latency.
func (m *Metrics) ObserveSubmit(d time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.Observe(d)
}

// ObserveRoundTrip measures issue-to-confirmation latency.
func (m *Metrics) ObserveRoundTrip(d time.Duration) {
	if m == nil {
		return
	}
	m.roundTripLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	reasons := make(map[schema.RejectReason]uint64)
	for i := range m.rejectReasonCounts {
		if v := atomic.LoadUint64(&m.rejectReasonCounts[i]); v > 0 {
			reasons[schema.RejectReason(i)] = v
		}
	}
	return Snapshot{
		Admitted:           atomic.LoadUint64(&m.admitted),
		Confirmed:          atomic.LoadUint64(&m.confirmed),
		Settled:            atomic.LoadUint64(&m.settled),
		TimedOut:           atomic.LoadUint64(&m.timedOut),
		DuplicateConfirms:  atomic.LoadUint64(&m.duplicates),
		UnknownConfirms:    atomic.LoadUint64(&m.unknownConfs),
		QueueDrops:         atomic.LoadUint64(&m.queueDrops),
		RejectReasonCounts: reasons,
		SubmitLatency:      m.submitLatency.Snapshot(),
		RoundTripLatency:   m.roundTripLatency.Snapshot(),
	}
}
