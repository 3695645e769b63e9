package replica

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/transport/memory"
)

var errDiskGone = errors.New("disk gone")

// fakeStorage records commits and can be told to fail them
type fakeStorage struct {
	mu      sync.Mutex
	snap    Snapshot
	commits []Mutation
	fail    bool
}

func (s *fakeStorage) Load(context.Context) (Snapshot, error) { return s.snap, nil }

func (s *fakeStorage) Commit(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errDiskGone
	}
	s.commits = append(s.commits, m)
	return nil
}

func (s *fakeStorage) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errDiskGone
	}
	return nil
}

func (s *fakeStorage) Close() error { return nil }

func (s *fakeStorage) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *fakeStorage) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commits)
}

// newNode builds an engine on hub whose loop is not started; tests drive
// dispatch with tick and waitIdle.
func newNode(t *testing.T, hub *memory.Hub, id string, peers ...string) *Engine {
	t.Helper()
	return newNodeWith(t, hub, Config{NodeID: id, Peers: peers})
}

func newNodeWith(t *testing.T, hub *memory.Hub, cfg Config) *Engine {
	t.Helper()
	cfg.Transport = hub.Endpoint(cfg.NodeID)
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

// tickAndWait runs one scheduler tick and waits for its sends to finish
func tickAndWait(e *Engine) {
	e.tick(context.Background())
	e.inflight.Wait()
}

func mustCreate(t *testing.T, e *Engine, attrs models.Attributes) models.Entity {
	t.Helper()
	ent, err := e.Create(context.Background(), attrs, "")
	require.NoError(t, err)
	return ent
}

func peerStats(t *testing.T, e *Engine, addr string) PeerStats {
	t.Helper()
	for _, ps := range e.Stats().Peers {
		if ps.Address == addr {
			return ps
		}
	}
	t.Fatalf("peer %s not registered", addr)
	return PeerStats{}
}
