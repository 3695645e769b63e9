package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/marcus/statesync/internal/models"
)

// ApplyResult summarizes one inbound batch
type ApplyResult struct {
	Applied    int
	Duplicates int // stale or already-seen versions
	Echoes     int // events that originated on this node
	Failed     []FailedEvent
}

// FailedEvent is an inbound event that could not be applied
type FailedEvent struct {
	EntityID string
	OriginID string
	Sequence uint64
	Err      error
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeDuplicate
	outcomeEcho
)

// receive is the transport handler. A degraded node refuses the whole batch
// so the sender keeps it queued. Storage failures during the batch are
// reported back for the same reason; other per-event failures are not.
func (e *Engine) receive(ctx context.Context, from string, batch []models.ChangeEvent) error {
	if err := e.checkWritable(ctx); err != nil {
		slog.Warn("refusing batch while storage is degraded", "from", from, "events", len(batch))
		return err
	}
	res := e.ApplyBatch(ctx, batch)
	slog.Debug("batch received",
		"from", from,
		"events", len(batch),
		"applied", res.Applied,
		"duplicates", res.Duplicates,
		"echoes", res.Echoes,
		"failed", len(res.Failed),
	)
	for _, f := range res.Failed {
		if errors.Is(f.Err, ErrStorage) {
			return f.Err
		}
	}
	return nil
}

// ApplyBatch applies remote events in order. A failing event is recorded
// and skipped; the rest of the batch still applies. Applying the same event
// twice is a no-op.
func (e *Engine) ApplyBatch(ctx context.Context, batch []models.ChangeEvent) ApplyResult {
	ctx, span := e.tracer.Start(ctx, "statesync.apply",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("statesync.batch_size", len(batch))),
	)
	defer span.End()

	var res ApplyResult
	for _, ev := range batch {
		out, err := e.applyEvent(ctx, ev)
		if err != nil {
			slog.Warn("apply failed",
				"entity", ev.EntityID,
				"origin", ev.OriginID,
				"sequence", ev.Sequence,
				"err", err,
			)
			res.Failed = append(res.Failed, FailedEvent{
				EntityID: ev.EntityID,
				OriginID: ev.OriginID,
				Sequence: ev.Sequence,
				Err:      err,
			})
			continue
		}
		switch out {
		case outcomeApplied:
			res.Applied++
		case outcomeDuplicate:
			res.Duplicates++
		case outcomeEcho:
			res.Echoes++
		}
	}
	e.metrics.RecordApply(res)
	span.SetAttributes(
		attribute.Int("statesync.applied", res.Applied),
		attribute.Int("statesync.failed", len(res.Failed)),
	)
	return res
}

func applyFailure(id, reason string, err error) error {
	return &Error{Kind: KindApply, EntityID: id, Reason: reason, Err: err}
}

func (e *Engine) applyEvent(ctx context.Context, ev models.ChangeEvent) (outcome, error) {
	if ev.OriginID == e.cfg.NodeID {
		return outcomeEcho, nil
	}
	if ev.OriginID == "" {
		return 0, applyFailure(ev.EntityID, "missing origin", nil)
	}
	if ev.EntityID == "" {
		return 0, applyFailure("", "missing entity id", nil)
	}

	switch c := ev.Change.(type) {
	case models.Insert:
		return e.applyUpsert(ctx, ev, c.Entity)
	case models.Update:
		return e.applyUpsert(ctx, ev, c.Entity)
	case models.Delete:
		return e.applyDelete(ctx, ev, c)
	case nil:
		return 0, applyFailure(ev.EntityID, "missing change", nil)
	default:
		panic(fmt.Sprintf("replica: unknown change %T", c))
	}
}

// applyUpsert installs a remote version if it is newer than both the local
// version and any tombstone. An unknown entity is created at the state the
// event declares. The next version of a known one may only move along a
// table edge. When versions are missing in between (dropped after retries,
// or superseded while a peer was down) the snapshot is installed as is and
// recorded as a resync, since the intermediate steps will never arrive.
func (e *Engine) applyUpsert(ctx context.Context, ev models.ChangeEvent, remote models.Entity) (outcome, error) {
	id := ev.EntityID
	if remote.ID != id {
		return 0, applyFailure(id, fmt.Sprintf("entity id mismatch: %q", remote.ID), nil)
	}
	if remote.Version <= 0 {
		return 0, applyFailure(id, "non-positive version", nil)
	}
	if !e.table.IsDeclared(remote.State) {
		return 0, applyFailure(id, fmt.Sprintf("undeclared state %q", remote.State), nil)
	}
	if remote.Origin == "" {
		remote.Origin = ev.OriginID
	}
	remote.Attributes = remote.Attributes.Clone()

	e.mu.Lock()
	defer e.mu.Unlock()

	if tomb, ok := e.tombstones[id]; ok && remote.Version <= tomb {
		return outcomeDuplicate, nil
	}

	var recs []models.ActivityRecord
	local, exists := e.entities.Get(id)
	switch {
	case !exists:
		recs = append(recs, e.newRecord(id, models.ActivityCreated, remote.Version, ev.OriginID, map[string]any{
			models.PayloadState:      string(remote.State),
			models.PayloadAttributes: map[string]any(remote.Attributes.Clone()),
		}))
	case remote.Version <= local.Version:
		return outcomeDuplicate, nil
	case remote.State != local.State && !e.table.IsValidTransition(local.State, remote.State):
		if remote.Version == local.Version+1 {
			err := e.table.Validate(id, local.State, remote.State)
			return 0, applyFailure(id, "transition", err)
		}
		slog.Info("resyncing entity across missing versions",
			"entity", id,
			"origin", ev.OriginID,
			"from_version", local.Version,
			"to_version", remote.Version,
			"from", local.State,
			"to", remote.State,
		)
		recs = append(recs, e.newRecord(id, models.ActivityResync, remote.Version, ev.OriginID, map[string]any{
			models.PayloadFrom:     string(local.State),
			models.PayloadTo:       string(remote.State),
			models.PayloadFromVer:  local.Version,
			models.PayloadPrevious: map[string]any(local.Attributes.Clone()),
			models.PayloadNew:      map[string]any(remote.Attributes.Clone()),
		}))
	default:
		if remote.State != local.State {
			recs = append(recs, e.newRecord(id, models.ActivityStateChange, remote.Version, ev.OriginID, map[string]any{
				models.PayloadFrom: string(local.State),
				models.PayloadTo:   string(remote.State),
			}))
		}
		if !attributesEqual(local.Attributes, remote.Attributes) || len(recs) == 0 {
			recs = append(recs, e.newRecord(id, models.ActivityUpdated, remote.Version, ev.OriginID, map[string]any{
				models.PayloadPrevious: map[string]any(local.Attributes.Clone()),
				models.PayloadNew:      map[string]any(remote.Attributes.Clone()),
			}))
		}
	}

	if err := e.commitLocked(ctx, id, Mutation{Entity: &remote, Records: recs}); err != nil {
		return 0, err
	}
	return outcomeApplied, nil
}

// applyDelete removes the entity and raises its tombstone so that older
// inserts and updates arriving later are ignored. Deleting an absent entity
// only records the tombstone.
func (e *Engine) applyDelete(ctx context.Context, ev models.ChangeEvent, del models.Delete) (outcome, error) {
	id := ev.EntityID

	e.mu.Lock()
	defer e.mu.Unlock()

	tomb, hasTomb := e.tombstones[id]
	if hasTomb && del.Version <= tomb {
		return outcomeDuplicate, nil
	}

	local, exists := e.entities.Get(id)
	version := del.Version
	if exists && local.Version >= version {
		version = local.Version + 1
	}

	m := Mutation{DeleteID: id, Tombstone: version}
	if exists {
		m.Records = []models.ActivityRecord{
			e.newRecord(id, models.ActivityDeleted, version, ev.OriginID, map[string]any{
				models.PayloadState: string(local.State),
			}),
		}
	}
	if err := e.commitLocked(ctx, id, m); err != nil {
		return 0, err
	}
	if !exists {
		return outcomeDuplicate, nil
	}
	return outcomeApplied, nil
}
