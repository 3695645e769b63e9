package replica

import "time"

// PeerStats is the delivery state of one peer
type PeerStats struct {
	Address      string    `json:"address"`
	Pending      int       `json:"pending"`
	Delivered    int64     `json:"delivered"`
	Failures     int64     `json:"failures"`
	Retried      int64     `json:"retried"`
	Dropped      int64     `json:"dropped"`
	LastError    string    `json:"last_error,omitempty"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
}

// Stats is a point-in-time view of the engine
type Stats struct {
	NodeID          string          `json:"node_id"`
	QueueSize       int             `json:"queue_size"`
	PeerCount       int             `json:"peer_count"`
	IsRunning       bool            `json:"is_running"`
	Degraded        bool            `json:"degraded"`
	Sequence        uint64          `json:"sequence"`
	Entities        int             `json:"entities"`
	ActivityRecords int             `json:"activity_records"`
	Tombstones      int             `json:"tombstones"`
	Metrics         MetricsSnapshot `json:"metrics"`
	Peers           []PeerStats     `json:"peers"`
}

// Stats reports queue, peer and apply counters
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	st := Stats{
		NodeID:          e.cfg.NodeID,
		Sequence:        e.seq,
		Entities:        e.entities.Len(),
		ActivityRecords: e.activity.Len(),
		Tombstones:      len(e.tombstones),
	}
	e.mu.RUnlock()

	st.QueueSize = e.queue.Len()
	st.IsRunning = e.running.Load()
	st.Degraded = e.degraded.Load()
	st.Metrics = e.metrics.Snapshot()
	for _, p := range e.peers.list() {
		st.Peers = append(st.Peers, p.stats())
	}
	st.PeerCount = len(st.Peers)
	return st
}

// QueueSize returns the number of events waiting for the next tick
func (e *Engine) QueueSize() int {
	return e.queue.Len()
}

// IsRunning reports whether the dispatch loop is active
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Degraded reports whether the last storage commit failed
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}
