package models

import (
	"maps"
	"time"
)

// State represents an entity lifecycle state
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateArchived  State = "archived"
)

// ActivityType represents the kind of mutation an activity record commits
type ActivityType string

const (
	ActivityCreated     ActivityType = "created"
	ActivityUpdated     ActivityType = "updated"
	ActivityStateChange ActivityType = "state_change"
	ActivityDeleted     ActivityType = "deleted"
	ActivityResync      ActivityType = "resync" // remote snapshot installed across missing versions
)

// Attributes holds the free-form fields of an entity
type Attributes map[string]any

// Clone returns a shallow copy that is safe to mutate at the top level.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	return maps.Clone(a)
}

// Entity is a versioned record governed by the transition table
type Entity struct {
	ID         string     `json:"id"`
	Attributes Attributes `json:"attributes"`
	State      State      `json:"state"`
	Version    int64      `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Origin     string     `json:"origin,omitempty"` // node that committed the latest version
}

// Clone returns a copy of the entity with its own attribute map
func (e Entity) Clone() Entity {
	e.Attributes = e.Attributes.Clone()
	return e
}

// ActivityRecord is an immutable audit entry for one committed mutation
type ActivityRecord struct {
	ID        string         `json:"id"`
	EntityID  string         `json:"entity_id"`
	Type      ActivityType   `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Version   int64          `json:"version"`
	Origin    string         `json:"origin"`
	Timestamp time.Time      `json:"timestamp"`
}

// Payload keys used by activity records
const (
	PayloadState      = "state"
	PayloadAttributes = "attributes"
	PayloadFrom       = "from"
	PayloadTo         = "to"
	PayloadPrevious   = "previous"
	PayloadNew        = "new"
	PayloadFromVer    = "from_version"
)
