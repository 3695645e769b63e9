package replica

import (
	"context"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/store"
)

// TransitionResult reports the outcome of a state transition. On failure
// Success is false, Err says why and the entity is unchanged.
type TransitionResult struct {
	Success  bool
	NewState models.State
	Version  int64
	Err      error
}

// Create inserts a new entity at version 1. An empty initial state selects
// the table's initial state; any other state must equal it.
func (e *Engine) Create(ctx context.Context, attrs models.Attributes, initial models.State) (models.Entity, error) {
	state, err := e.table.ValidateInitial(initial)
	if err != nil {
		return models.Entity{}, &Error{Kind: KindInvalidTransition, Reason: "create", Err: err}
	}
	if err := e.checkWritable(ctx); err != nil {
		return models.Entity{}, err
	}

	ent := models.Entity{
		ID:         newEntityID(),
		Attributes: attrs.Clone(),
		State:      state,
		Version:    1,
		UpdatedAt:  e.now(),
		Origin:     e.cfg.NodeID,
	}
	rec := e.newRecord(ent.ID, models.ActivityCreated, ent.Version, e.cfg.NodeID, map[string]any{
		models.PayloadState:      string(ent.State),
		models.PayloadAttributes: map[string]any(ent.Attributes.Clone()),
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.commitLocked(ctx, ent.ID, Mutation{Entity: &ent, Records: []models.ActivityRecord{rec}}); err != nil {
		return models.Entity{}, err
	}
	e.enqueueLocked(ent.ID, models.Insert{Entity: ent.Clone()})
	slog.Debug("entity created", "entity", ent.ID, "state", ent.State)
	return ent.Clone(), nil
}

// Get returns a copy of the entity and whether it exists
func (e *Engine) Get(id string) (models.Entity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.entities.Get(id)
}

// List returns the entities matching f, ordered by id
func (e *Engine) List(f store.Filter) []models.Entity {
	e.mu.RLock()
	out := e.entities.List(f)
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Entity) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// History returns the entity's activity records in commit order. Records
// outlive the entity, so a deleted entity still has a history.
func (e *Engine) History(id string) ([]models.ActivityRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	recs := e.activity.ForEntity(id)
	if len(recs) == 0 {
		if _, ok := e.entities.Get(id); !ok {
			return nil, notFound(id)
		}
	}
	return recs, nil
}

// Update merges delta into the entity's attributes and bumps its version.
// A nil value in delta removes that key.
func (e *Engine) Update(ctx context.Context, id string, delta models.Attributes) (models.Entity, error) {
	if err := e.checkWritable(ctx); err != nil {
		return models.Entity{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities.Get(id)
	if !ok {
		return models.Entity{}, notFound(id)
	}

	previous := make(map[string]any, len(delta))
	for k, v := range delta {
		previous[k] = ent.Attributes[k]
		if v == nil {
			delete(ent.Attributes, k)
		} else {
			ent.Attributes[k] = v
		}
	}
	ent.Version++
	ent.UpdatedAt = e.now()
	ent.Origin = e.cfg.NodeID

	rec := e.newRecord(id, models.ActivityUpdated, ent.Version, e.cfg.NodeID, map[string]any{
		models.PayloadPrevious: previous,
		models.PayloadNew:      map[string]any(maps.Clone(delta)),
	})
	if err := e.commitLocked(ctx, id, Mutation{Entity: &ent, Records: []models.ActivityRecord{rec}}); err != nil {
		return models.Entity{}, err
	}
	e.enqueueLocked(id, models.Update{Entity: ent.Clone()})
	return ent, nil
}

// Transition moves the entity to state to if the table allows it.
func (e *Engine) Transition(ctx context.Context, id string, to models.State) TransitionResult {
	if err := e.checkWritable(ctx); err != nil {
		return TransitionResult{Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities.Get(id)
	if !ok {
		return TransitionResult{Err: notFound(id)}
	}
	if err := e.table.Validate(id, ent.State, to); err != nil {
		return TransitionResult{
			NewState: ent.State,
			Version:  ent.Version,
			Err:      &Error{Kind: KindInvalidTransition, EntityID: id, Err: err},
		}
	}

	from := ent.State
	ent.State = to
	ent.Version++
	ent.UpdatedAt = e.now()
	ent.Origin = e.cfg.NodeID

	rec := e.newRecord(id, models.ActivityStateChange, ent.Version, e.cfg.NodeID, map[string]any{
		models.PayloadFrom: string(from),
		models.PayloadTo:   string(to),
	})
	if err := e.commitLocked(ctx, id, Mutation{Entity: &ent, Records: []models.ActivityRecord{rec}}); err != nil {
		return TransitionResult{NewState: from, Version: ent.Version - 1, Err: err}
	}
	e.enqueueLocked(id, models.Update{Entity: ent.Clone()})
	slog.Debug("entity transitioned", "entity", id, "from", from, "to", to, "version", ent.Version)
	return TransitionResult{Success: true, NewState: to, Version: ent.Version}
}

// Delete removes the entity and flushes the queue to every peer at once
// instead of waiting for the next tick. Flush failures leave the events
// with the retry machinery and are not reported to the caller.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.checkWritable(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	ent, ok := e.entities.Get(id)
	if !ok {
		e.mu.Unlock()
		return notFound(id)
	}
	version := ent.Version + 1
	rec := e.newRecord(id, models.ActivityDeleted, version, e.cfg.NodeID, map[string]any{
		models.PayloadState: string(ent.State),
	})
	if err := e.commitLocked(ctx, id, Mutation{DeleteID: id, Tombstone: version, Records: []models.ActivityRecord{rec}}); err != nil {
		e.mu.Unlock()
		return err
	}
	e.enqueueLocked(id, models.Delete{EntityID: id, Version: version})
	e.mu.Unlock()

	if err := e.Flush(ctx); err != nil {
		slog.Debug("flush after delete incomplete", "entity", id, "err", err)
	}
	return nil
}

// ApplyChanges commits an attribute delta and an optional transition as a
// sequence of mutations, stopping at the first failure.
func (e *Engine) ApplyChanges(ctx context.Context, id string, delta models.Attributes, to models.State) (models.Entity, error) {
	if len(delta) > 0 {
		if _, err := e.Update(ctx, id, delta); err != nil {
			return models.Entity{}, err
		}
	}
	if to != "" {
		if res := e.Transition(ctx, id, to); res.Err != nil {
			return models.Entity{}, res.Err
		}
	}
	ent, ok := e.Get(id)
	if !ok {
		return models.Entity{}, notFound(id)
	}
	return ent, nil
}

func attributesEqual(a, b models.Attributes) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
