package replica

import (
	"log/slog"
	"time"
)

// backoff returns the pause before the next attempt after n consecutive
// failures: base doubled per failure, capped at max. A zero base disables it.
func backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 || n <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// handleFailure returns a failed batch to the front of the peer's outbox.
// Each event's failure count is bumped; events that reach MaxRetries are
// dropped and counted.
func (e *Engine) handleFailure(p *peer, batch []pending, err error) {
	now := e.now()

	p.mu.Lock()
	p.failures++
	p.consecutive++
	p.lastError = err.Error()
	p.nextAttempt = now.Add(backoff(e.cfg.RetryBackoff, e.cfg.RetryBackoffMax, p.consecutive))

	keep := make([]pending, 0, len(batch))
	dropped := 0
	for _, pe := range batch {
		pe.failures++
		if pe.failures >= e.cfg.MaxRetries {
			dropped++
			slog.Warn("dropping event after retries",
				"peer", p.addr,
				"entity", pe.event.EntityID,
				"type", pe.event.Type(),
				"sequence", pe.event.Sequence,
				"attempts", pe.failures,
			)
			continue
		}
		keep = append(keep, pe)
	}
	p.dropped += int64(dropped)
	p.retried += int64(len(keep))
	p.outbox = append(keep, p.outbox...)
	consecutive := p.consecutive
	p.mu.Unlock()

	e.metrics.RecordDispatchFailure()
	e.metrics.RecordDropped(dropped)
	slog.Warn("dispatch failed",
		"peer", p.addr,
		"events", len(batch),
		"requeued", len(keep),
		"dropped", dropped,
		"consecutive_failures", consecutive,
		"err", err,
	)
}
