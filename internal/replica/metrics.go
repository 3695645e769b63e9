package replica

import (
	"sync/atomic"
	"time"
)

// Metrics collects engine counters using atomics.
type Metrics struct {
	startTime        time.Time
	localMutations   atomic.Int64
	eventsQueued     atomic.Int64
	batchesSent      atomic.Int64
	eventsSent       atomic.Int64
	dispatchFailures atomic.Int64
	eventsDropped    atomic.Int64
	applied          atomic.Int64
	duplicates       atomic.Int64
	echoes           atomic.Int64
	applyFailures    atomic.Int64
	storageFailures  atomic.Int64
}

// MetricsSnapshot is a point-in-time view of engine metrics.
type MetricsSnapshot struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	LocalMutations   int64   `json:"local_mutations"`
	EventsQueued     int64   `json:"events_queued"`
	BatchesSent      int64   `json:"batches_sent"`
	EventsSent       int64   `json:"events_sent"`
	DispatchFailures int64   `json:"dispatch_failures"`
	EventsDropped    int64   `json:"events_dropped"`
	Applied          int64   `json:"applied"`
	Duplicates       int64   `json:"duplicates"`
	EchoesDropped    int64   `json:"echoes_dropped"`
	ApplyFailures    int64   `json:"apply_failures"`
	StorageFailures  int64   `json:"storage_failures"`
}

// NewMetrics creates a Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordMutation counts one committed local mutation and its queued event.
func (m *Metrics) RecordMutation() {
	m.localMutations.Add(1)
	m.eventsQueued.Add(1)
}

// RecordSend counts a successfully delivered batch of n events.
func (m *Metrics) RecordSend(n int) {
	m.batchesSent.Add(1)
	m.eventsSent.Add(int64(n))
}

// RecordDispatchFailure counts a failed batch send.
func (m *Metrics) RecordDispatchFailure() {
	m.dispatchFailures.Add(1)
}

// RecordDropped adds n events abandoned after exhausting retries.
func (m *Metrics) RecordDropped(n int) {
	m.eventsDropped.Add(int64(n))
}

// RecordApply folds one batch result into the counters.
func (m *Metrics) RecordApply(r ApplyResult) {
	m.applied.Add(int64(r.Applied))
	m.duplicates.Add(int64(r.Duplicates))
	m.echoes.Add(int64(r.Echoes))
	m.applyFailures.Add(int64(len(r.Failed)))
}

// RecordStorageFailure counts a failed storage commit.
func (m *Metrics) RecordStorageFailure() {
	m.storageFailures.Add(1)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:    time.Since(m.startTime).Seconds(),
		LocalMutations:   m.localMutations.Load(),
		EventsQueued:     m.eventsQueued.Load(),
		BatchesSent:      m.batchesSent.Load(),
		EventsSent:       m.eventsSent.Load(),
		DispatchFailures: m.dispatchFailures.Load(),
		EventsDropped:    m.eventsDropped.Load(),
		Applied:          m.applied.Load(),
		Duplicates:       m.duplicates.Load(),
		EchoesDropped:    m.echoes.Load(),
		ApplyFailures:    m.applyFailures.Load(),
		StorageFailures:  m.storageFailures.Load(),
	}
}
