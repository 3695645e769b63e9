package replica

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// run ticks every Interval until ctx is cancelled
func (e *Engine) run(ctx context.Context) {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.running.Store(false)
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick drains one batch from the queue and hands it to every peer. Each
// peer is served by its own goroutine so a slow peer never delays the
// others. A peer that is still sending or backing off gets the batch parked
// in its outbox; parked events go out ahead of fresh ones on a later tick.
func (e *Engine) tick(ctx context.Context) {
	fresh := e.queue.Drain(e.cfg.BatchSize)
	peers := e.peers.list()
	now := e.now()

	for _, p := range peers {
		events := wrapEvents(fresh)
		if !p.sendMu.TryLock() {
			p.park(events)
			continue
		}
		if p.inBackoff(now) {
			p.park(events)
			p.sendMu.Unlock()
			continue
		}

		batch := p.takeOutbox(e.cfg.BatchSize)
		if room := e.cfg.BatchSize - len(batch); room < len(events) {
			p.park(events[room:])
			events = events[:room]
		}
		batch = append(batch, events...)
		if len(batch) == 0 {
			p.sendMu.Unlock()
			continue
		}

		// Sends outlive the loop context; SendTimeout bounds them and
		// Close waits for them before its final flush.
		sendCtx := context.WithoutCancel(ctx)
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			defer p.sendMu.Unlock()
			_ = e.dispatch(sendCtx, p, batch)
		}()
	}
}

// dispatch sends one batch to p. Caller holds p.sendMu.
func (e *Engine) dispatch(ctx context.Context, p *peer, batch []pending) error {
	ctx, span := e.tracer.Start(ctx, "statesync.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("statesync.peer", p.addr),
			attribute.Int("statesync.batch_size", len(batch)),
		),
	)
	defer span.End()

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	if err := e.transport.Send(sendCtx, p.addr, unwrapEvents(batch)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		e.handleFailure(p, batch, err)
		return &Error{Kind: KindDispatch, Reason: p.addr, Err: err}
	}

	p.recordSuccess(len(batch), e.now())
	e.metrics.RecordSend(len(batch))
	slog.Debug("batch dispatched", "peer", p.addr, "events", len(batch), "duration", time.Since(start))
	return nil
}

// Flush sends everything queued at the moment of the call, plus every
// peer's parked events, to all peers concurrently without waiting for the
// next tick. Backoff is ignored. Each peer receives its events in
// BatchSize chunks; after a failed chunk the rest stay parked. The whole
// flush is bounded by FlushTimeout and returns the first error.
func (e *Engine) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FlushTimeout)
	defer cancel()

	snapshot := e.queue.Drain(0)
	peers := e.peers.list()

	var g errgroup.Group
	for _, p := range peers {
		events := wrapEvents(snapshot)
		g.Go(func() error {
			if err := lockPeer(ctx, p); err != nil {
				p.park(events)
				return &Error{Kind: KindDispatch, Reason: p.addr, Err: err}
			}
			defer p.sendMu.Unlock()

			all := append(p.takeOutbox(0), events...)
			for start := 0; start < len(all); start += e.cfg.BatchSize {
				end := min(start+e.cfg.BatchSize, len(all))
				if err := e.dispatch(ctx, p, all[start:end]); err != nil {
					p.park(all[end:])
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// lockPeer acquires p.sendMu, giving up when ctx is done
func lockPeer(ctx context.Context, p *peer) error {
	if p.sendMu.TryLock() {
		return nil
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.sendMu.TryLock() {
				return nil
			}
		}
	}
}
