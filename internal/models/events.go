package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the wire tag of a change event
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Change is the payload of a ChangeEvent. The unexported marker method
// restricts implementations to Insert, Update and Delete.
type Change interface {
	Type() EventType
	isChange()
}

// Insert carries a newly created entity
type Insert struct {
	Entity Entity
}

// Update carries the entity after an attribute update or state transition
type Update struct {
	Entity Entity
}

// Delete carries the id and the version at which the entity was removed
type Delete struct {
	EntityID string
	Version  int64
}

func (Insert) Type() EventType { return EventInsert }
func (Update) Type() EventType { return EventUpdate }
func (Delete) Type() EventType { return EventDelete }

func (Insert) isChange() {}
func (Update) isChange() {}
func (Delete) isChange() {}

// ChangeEvent is a mutation queued for propagation to peers.
type ChangeEvent struct {
	EntityID  string
	Change    Change
	OriginID  string
	Sequence  uint64 // per-origin counter, independent of entity version
	CreatedAt time.Time
}

// Type returns the variant tag, or "" when Change is nil.
func (ev ChangeEvent) Type() EventType {
	if ev.Change == nil {
		return ""
	}
	return ev.Change.Type()
}

// Version returns the entity version the event commits.
func (ev ChangeEvent) Version() int64 {
	switch c := ev.Change.(type) {
	case Insert:
		return c.Entity.Version
	case Update:
		return c.Entity.Version
	case Delete:
		return c.Version
	case nil:
		return 0
	default:
		panic(fmt.Sprintf("models: unknown change %T", c))
	}
}

type wireEvent struct {
	Type      EventType `json:"type"`
	EntityID  string    `json:"entity_id"`
	OriginID  string    `json:"origin_id"`
	Sequence  uint64    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	Entity    *Entity   `json:"entity,omitempty"`
	Version   int64     `json:"version,omitempty"`
}

// MarshalJSON encodes the variant as a "type" tag plus its fields.
func (ev ChangeEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		EntityID:  ev.EntityID,
		OriginID:  ev.OriginID,
		Sequence:  ev.Sequence,
		CreatedAt: ev.CreatedAt,
	}
	switch c := ev.Change.(type) {
	case Insert:
		w.Type = EventInsert
		ent := c.Entity
		w.Entity = &ent
	case Update:
		w.Type = EventUpdate
		ent := c.Entity
		w.Entity = &ent
	case Delete:
		w.Type = EventDelete
		w.Version = c.Version
	case nil:
		return nil, fmt.Errorf("change event %s: nil change", ev.EntityID)
	default:
		panic(fmt.Sprintf("models: unknown change %T", c))
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a tagged event, rejecting unknown tags and
// insert/update events without an entity body.
func (ev *ChangeEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := ChangeEvent{
		EntityID:  w.EntityID,
		OriginID:  w.OriginID,
		Sequence:  w.Sequence,
		CreatedAt: w.CreatedAt,
	}
	switch w.Type {
	case EventInsert, EventUpdate:
		if w.Entity == nil {
			return fmt.Errorf("%s event %q: missing entity", w.Type, w.EntityID)
		}
		if w.Entity.Attributes == nil {
			w.Entity.Attributes = Attributes{}
		}
		if w.Type == EventInsert {
			out.Change = Insert{Entity: *w.Entity}
		} else {
			out.Change = Update{Entity: *w.Entity}
		}
	case EventDelete:
		out.Change = Delete{EntityID: w.EntityID, Version: w.Version}
	default:
		return fmt.Errorf("unknown event type: %q", w.Type)
	}
	*ev = out
	return nil
}
