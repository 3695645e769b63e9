package replica

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/marcus/statesync/internal/models"
)

// pending is a change event waiting for delivery to one peer, with the
// number of sends to that peer that have already failed.
type pending struct {
	event    models.ChangeEvent
	failures int
}

func wrapEvents(batch []models.ChangeEvent) []pending {
	out := make([]pending, len(batch))
	for i, ev := range batch {
		out[i] = pending{event: ev}
	}
	return out
}

func unwrapEvents(batch []pending) []models.ChangeEvent {
	out := make([]models.ChangeEvent, len(batch))
	for i, p := range batch {
		out[i] = p.event
	}
	return out
}

// peer tracks delivery state for one remote node. sendMu is held for the
// whole of a dispatch so a peer never has two batches in flight.
type peer struct {
	addr   string
	sendMu sync.Mutex

	mu          sync.Mutex
	outbox      []pending
	consecutive int
	nextAttempt time.Time
	delivered   int64
	failures    int64
	retried     int64
	dropped     int64
	lastError   string
	lastSuccess time.Time
}

// park appends events to the back of the outbox
func (p *peer) park(events []pending) {
	if len(events) == 0 {
		return
	}
	p.mu.Lock()
	p.outbox = append(p.outbox, events...)
	p.mu.Unlock()
}

// takeOutbox removes up to max events from the front of the outbox. A max of
// zero or less takes everything.
func (p *peer) takeOutbox(max int) []pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.outbox)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := slices.Clone(p.outbox[:n])
	p.outbox = slices.Clone(p.outbox[n:])
	return out
}

func (p *peer) outboxLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outbox)
}

func (p *peer) inBackoff(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Before(p.nextAttempt)
}

func (p *peer) recordSuccess(n int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered += int64(n)
	p.consecutive = 0
	p.nextAttempt = time.Time{}
	p.lastError = ""
	p.lastSuccess = now
}

func (p *peer) stats() PeerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerStats{
		Address:      p.addr,
		Pending:      len(p.outbox),
		Delivered:    p.delivered,
		Failures:     p.failures,
		Retried:      p.retried,
		Dropped:      p.dropped,
		LastError:    p.lastError,
		LastSuccess:  p.lastSuccess,
		BackoffUntil: p.nextAttempt,
	}
}

// Registry is the set of peers events are dispatched to.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*peer)}
}

// Add registers addr and reports whether it was new
func (r *Registry) Add(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[addr]; ok {
		return false
	}
	r.peers[addr] = &peer{addr: addr}
	return true
}

// Remove unregisters addr and reports whether it was present. Events parked
// for the peer are discarded with it.
func (r *Registry) Remove(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[addr]; !ok {
		return false
	}
	delete(r.peers, addr)
	return true
}

// Addresses returns the registered addresses, sorted
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for addr := range r.peers {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of registered peers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) get(addr string) (*peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[addr]
	return p, ok
}

// list returns the peers sorted by address
func (r *Registry) list() []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *peer) int { return strings.Compare(a.addr, b.addr) })
	return out
}
