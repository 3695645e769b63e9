package store

import (
	"slices"

	"github.com/marcus/statesync/internal/models"
)

// ActivityLog is an append-only record of committed mutations, indexed by entity
type ActivityLog struct {
	byEntity map[string][]models.ActivityRecord
	count    int
}

// NewActivityLog creates an empty log
func NewActivityLog() *ActivityLog {
	return &ActivityLog{byEntity: make(map[string][]models.ActivityRecord)}
}

// Append adds a record to the end of its entity's history
func (l *ActivityLog) Append(rec models.ActivityRecord) {
	l.byEntity[rec.EntityID] = append(l.byEntity[rec.EntityID], rec)
	l.count++
}

// ForEntity returns the entity's records in append order
func (l *ActivityLog) ForEntity(id string) []models.ActivityRecord {
	return slices.Clone(l.byEntity[id])
}

// Len returns the total number of records across all entities
func (l *ActivityLog) Len() int {
	return l.count
}
