// Package store holds the in-memory entity table and activity log. Neither
// type is safe for concurrent use; the replication engine guards both with a
// single critical section.
package store

import (
	"fmt"
	"reflect"

	"github.com/marcus/statesync/internal/models"
)

// AttributeMatch selects entities whose attribute Key equals Value
type AttributeMatch struct {
	Key   string
	Value any
}

// Filter is a set of optional predicates for List. The zero Filter matches
// every entity.
type Filter struct {
	State     models.State
	Attribute *AttributeMatch
}

// Matches reports whether e satisfies every predicate set on f
func (f Filter) Matches(e models.Entity) bool {
	if f.State != "" && e.State != f.State {
		return false
	}
	if f.Attribute != nil {
		v, ok := e.Attributes[f.Attribute.Key]
		if !ok || !valuesEqual(v, f.Attribute.Value) {
			return false
		}
	}
	return true
}

// valuesEqual compares attribute values, falling back to their printed form
// so that "3" from a query string matches a decoded JSON number 3.
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Entities maps entity ids to their current record
type Entities struct {
	byID map[string]models.Entity
}

// NewEntities creates an empty entity table
func NewEntities() *Entities {
	return &Entities{byID: make(map[string]models.Entity)}
}

// Get returns a copy of the entity, if present
func (s *Entities) Get(id string) (models.Entity, bool) {
	e, ok := s.byID[id]
	if !ok {
		return models.Entity{}, false
	}
	return e.Clone(), true
}

// Put stores a copy of e, replacing any previous record with the same id
func (s *Entities) Put(e models.Entity) {
	s.byID[e.ID] = e.Clone()
}

// Delete removes the entity and reports whether it was present
func (s *Entities) Delete(id string) bool {
	_, ok := s.byID[id]
	delete(s.byID, id)
	return ok
}

// List returns copies of every entity matching f, in no particular order
func (s *Entities) List(f Filter) []models.Entity {
	var out []models.Entity
	for _, e := range s.byID {
		if f.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Len returns the number of stored entities
func (s *Entities) Len() int {
	return len(s.byID)
}
