// Package replica is the replication engine: it owns the entity store and
// activity log, validates local mutations against the transition table,
// queues change events, dispatches them to peers on a schedule and applies
// events received from peers.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/store"
	"github.com/marcus/statesync/internal/transport"
	"github.com/marcus/statesync/internal/workflow"
)

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultInterval     = 100 * time.Millisecond
	DefaultBatchSize    = 100
	DefaultMaxRetries   = 3
	DefaultSendTimeout  = 5 * time.Second
	DefaultFlushTimeout = 10 * time.Second
)

var errEngineClosed = errors.New("engine closed")

// Config configures an Engine. NodeID and Transport are required.
type Config struct {
	NodeID    string
	Table     *workflow.Table // nil uses workflow.DefaultTable
	Storage   Storage         // nil keeps state in memory only
	Transport transport.Transport
	Peers     []string

	Interval        time.Duration
	BatchSize       int
	MaxRetries      int
	RetryBackoff    time.Duration // zero disables per-peer backoff
	RetryBackoffMax time.Duration
	SendTimeout     time.Duration
	FlushTimeout    time.Duration

	Tracer trace.Tracer
	Now    func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Table == nil {
		c.Table = workflow.DefaultTable()
	}
	if c.Storage == nil {
		c.Storage = nopStorage{}
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoffMax < c.RetryBackoff {
		c.RetryBackoffMax = c.RetryBackoff
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("github.com/marcus/statesync/internal/replica")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Engine is one node's replica. All methods are safe for concurrent use.
type Engine struct {
	cfg       Config
	table     *workflow.Table
	storage   Storage
	transport transport.Transport
	tracer    trace.Tracer

	// mu is the single critical section for storage commit, in-memory
	// mutation, activity append and enqueue.
	mu         sync.RWMutex
	entities   *store.Entities
	activity   *store.ActivityLog
	tombstones map[string]int64
	seq        uint64

	queue    *Queue
	peers    *Registry
	metrics  *Metrics
	degraded atomic.Bool

	runMu    sync.Mutex
	running  atomic.Bool
	closed   bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// New loads the durable snapshot and registers the inbound handler on the
// transport. Call Start to begin dispatching.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("replica: node id is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("replica: transport is required")
	}
	cfg.applyDefaults()

	e := &Engine{
		cfg:        cfg,
		table:      cfg.Table,
		storage:    cfg.Storage,
		transport:  cfg.Transport,
		tracer:     cfg.Tracer,
		entities:   store.NewEntities(),
		activity:   store.NewActivityLog(),
		tombstones: make(map[string]int64),
		queue:      &Queue{},
		peers:      NewRegistry(),
		metrics:    NewMetrics(),
	}

	snap, err := cfg.Storage.Load(ctx)
	if err != nil {
		return nil, &Error{Kind: KindStorage, Reason: "load snapshot", Err: err}
	}
	for _, ent := range snap.Entities {
		e.entities.Put(ent)
	}
	// Each local mutation commits exactly one record, so counting this
	// node's records resumes the sequence where the last process stopped.
	for _, rec := range snap.Activity {
		e.activity.Append(rec)
		if rec.Origin == cfg.NodeID {
			e.seq++
		}
	}
	maps.Copy(e.tombstones, snap.Tombstones)

	for _, addr := range cfg.Peers {
		e.peers.Add(addr)
	}
	cfg.Transport.OnReceive(e.receive)

	slog.Info("replica loaded",
		"node", cfg.NodeID,
		"entities", e.entities.Len(),
		"activity", e.activity.Len(),
		"tombstones", len(e.tombstones),
		"sequence", e.seq,
		"peers", e.peers.Len(),
	)
	return e, nil
}

// NodeID returns the local origin id
func (e *Engine) NodeID() string {
	return e.cfg.NodeID
}

// Table returns the transition table in force
func (e *Engine) Table() *workflow.Table {
	return e.table
}

// Metrics returns the engine's counters
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

func (e *Engine) now() time.Time {
	return e.cfg.Now().UTC()
}

// Start launches the dispatch loop. It stops when ctx is cancelled or
// Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.closed {
		return errEngineClosed
	}
	if e.cancel != nil {
		return errors.New("replica: already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	e.running.Store(true)
	go e.run(loopCtx)
	slog.Info("dispatch loop started", "node", e.cfg.NodeID, "interval", e.cfg.Interval, "batch_size", e.cfg.BatchSize)
	return nil
}

// Close stops the dispatch loop, waits for in-flight sends, makes a final
// bounded flush of everything still queued and closes the transport.
// Storage is left open for the caller to close.
func (e *Engine) Close(ctx context.Context) error {
	e.runMu.Lock()
	if e.closed {
		e.runMu.Unlock()
		return nil
	}
	e.closed = true
	cancel, done := e.cancel, e.loopDone
	e.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.running.Store(false)

	if err := e.waitInflight(ctx); err != nil {
		slog.Warn("in-flight dispatch did not finish", "err", err)
	}
	if err := e.Flush(ctx); err != nil {
		slog.Warn("final flush incomplete", "queued", e.queue.Len(), "err", err)
	}
	if err := e.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	slog.Info("replica closed", "node", e.cfg.NodeID)
	return nil
}

func (e *Engine) waitInflight(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddPeer registers a peer and reports whether it was new
func (e *Engine) AddPeer(addr string) bool {
	added := e.peers.Add(addr)
	if added {
		slog.Info("peer added", "peer", addr)
	}
	return added
}

// RemovePeer unregisters a peer and reports whether it was present
func (e *Engine) RemovePeer(addr string) bool {
	removed := e.peers.Remove(addr)
	if removed {
		slog.Info("peer removed", "peer", addr)
	}
	return removed
}

// Peers returns the registered peer addresses, sorted
func (e *Engine) Peers() []string {
	return e.peers.Addresses()
}

// ProbePeers pings every peer concurrently. The map holds nil for reachable
// peers. Transports without ping support report an error for every peer.
func (e *Engine) ProbePeers(ctx context.Context) map[string]error {
	addrs := e.peers.Addresses()
	out := make(map[string]error, len(addrs))
	pinger, ok := e.transport.(transport.Pinger)
	if !ok {
		for _, addr := range addrs {
			out[addr] = errors.New("transport does not support ping")
		}
		return out
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, addr := range addrs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
			defer cancel()
			err := pinger.Ping(pctx, addr)
			mu.Lock()
			out[addr] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// checkWritable refuses mutations while storage is degraded, clearing the
// flag once storage answers a ping again.
func (e *Engine) checkWritable(ctx context.Context) error {
	if !e.degraded.Load() {
		return nil
	}
	if err := e.storage.Ping(ctx); err != nil {
		return &Error{Kind: KindStorage, Reason: "storage degraded", Err: err}
	}
	if e.degraded.CompareAndSwap(true, false) {
		slog.Info("storage recovered", "node", e.cfg.NodeID)
	}
	return nil
}

// commitLocked persists m and only then applies it to memory. Caller holds mu.
func (e *Engine) commitLocked(ctx context.Context, entityID string, m Mutation) error {
	if err := e.storage.Commit(ctx, m); err != nil {
		e.metrics.RecordStorageFailure()
		if !e.degraded.Swap(true) {
			slog.Error("storage commit failed, entering degraded mode", "entity", entityID, "err", err)
		}
		return &Error{Kind: KindStorage, EntityID: entityID, Reason: "commit", Err: err}
	}
	if m.Entity != nil {
		e.entities.Put(*m.Entity)
	}
	if m.DeleteID != "" {
		e.entities.Delete(m.DeleteID)
		if m.Tombstone > e.tombstones[m.DeleteID] {
			e.tombstones[m.DeleteID] = m.Tombstone
		}
	}
	for _, rec := range m.Records {
		e.activity.Append(rec)
	}
	return nil
}

// enqueueLocked stamps the next sequence number and queues the event.
// Caller holds mu, which keeps queue order equal to commit order.
func (e *Engine) enqueueLocked(entityID string, change models.Change) {
	e.seq++
	e.queue.Push(models.ChangeEvent{
		EntityID:  entityID,
		Change:    change,
		OriginID:  e.cfg.NodeID,
		Sequence:  e.seq,
		CreatedAt: e.now(),
	})
	e.metrics.RecordMutation()
}

func (e *Engine) newRecord(entityID string, typ models.ActivityType, version int64, origin string, payload map[string]any) models.ActivityRecord {
	return models.ActivityRecord{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Type:      typ,
		Payload:   payload,
		Version:   version,
		Origin:    origin,
		Timestamp: e.now(),
	}
}

func newEntityID() string {
	return uuid.NewString()
}
