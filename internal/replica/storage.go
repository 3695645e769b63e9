package replica

import (
	"context"

	"github.com/marcus/statesync/internal/models"
)

// Snapshot is the durable state loaded when an engine starts.
type Snapshot struct {
	Entities   []models.Entity
	Activity   []models.ActivityRecord // append order
	Tombstones map[string]int64        // deleted entity id -> version at deletion
}

// Mutation is one atomic unit handed to Storage.Commit: an upsert or a
// delete, plus the activity records it produces.
type Mutation struct {
	Entity    *models.Entity
	DeleteID  string
	Tombstone int64
	Records   []models.ActivityRecord
}

// Storage persists entities and the activity log. Commit must apply the
// whole mutation or nothing; crash consistency is the implementation's job.
type Storage interface {
	Load(ctx context.Context) (Snapshot, error)
	Commit(ctx context.Context, m Mutation) error
	Ping(ctx context.Context) error
	Close() error
}

// nopStorage keeps everything in memory only.
type nopStorage struct{}

func (nopStorage) Load(context.Context) (Snapshot, error)  { return Snapshot{}, nil }
func (nopStorage) Commit(context.Context, Mutation) error  { return nil }
func (nopStorage) Ping(context.Context) error              { return nil }
func (nopStorage) Close() error                            { return nil }
