// Package memory is an in-process transport. Endpoints registered on the same
// Hub exchange batches through the JSON envelope, so receivers never share
// memory with senders. Failure injection makes it the transport of choice
// for engine tests and local demos.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/transport"
)

// ErrInjected is returned for sends failed through FailNext or SetDown.
var ErrInjected = errors.New("injected failure")

// Hub connects in-process endpoints by address
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	down      map[string]bool
	failNext  map[string]int
	latency   map[string]time.Duration
	batches   map[string][]int // delivered batch sizes per receiver
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		down:      make(map[string]bool),
		failNext:  make(map[string]int),
		latency:   make(map[string]time.Duration),
		batches:   make(map[string][]int),
	}
}

// Endpoint returns the endpoint for addr, registering it if needed
func (h *Hub) Endpoint(addr string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[addr]; ok {
		return ep
	}
	ep := &Endpoint{hub: h, addr: addr}
	h.endpoints[addr] = ep
	return ep
}

// SetDown makes every send to addr fail until cleared
func (h *Hub) SetDown(addr string, down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down[addr] = down
}

// FailNext fails the next n sends to addr
func (h *Hub) FailNext(addr string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failNext[addr] = n
}

// SetLatency delays delivery to addr by d, honouring the sender's context
func (h *Hub) SetLatency(addr string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latency[addr] = d
}

// BatchSizes returns the sizes of batches successfully delivered to addr
func (h *Hub) BatchSizes(addr string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.batches[addr]...)
}

// Delivered returns the number of events successfully delivered to addr
func (h *Hub) Delivered(addr string) int {
	n := 0
	for _, size := range h.BatchSizes(addr) {
		n += size
	}
	return n
}

func (h *Hub) deliver(ctx context.Context, from, to string, batch []models.ChangeEvent) error {
	h.mu.Lock()
	if h.down[to] {
		h.mu.Unlock()
		return fmt.Errorf("send to %s: %w (down)", to, ErrInjected)
	}
	if h.failNext[to] > 0 {
		h.failNext[to]--
		h.mu.Unlock()
		return fmt.Errorf("send to %s: %w", to, ErrInjected)
	}
	target, ok := h.endpoints[to]
	delay := h.latency[to]
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("send to %s: %w", to, transport.ErrUnknownPeer)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("send to %s: %w", to, ctx.Err())
		}
	}

	data, err := transport.EncodeBatch(from, batch)
	if err != nil {
		return err
	}
	sender, events, err := transport.DecodeBatch(data)
	if err != nil {
		return err
	}

	handler := target.getHandler()
	if handler == nil {
		return fmt.Errorf("send to %s: %w", to, transport.ErrClosed)
	}
	if err := handler(ctx, sender, events); err != nil {
		return fmt.Errorf("send to %s: %w: %v", to, transport.ErrRefused, err)
	}

	h.mu.Lock()
	h.batches[to] = append(h.batches[to], len(batch))
	h.mu.Unlock()
	return nil
}

func (h *Hub) unregister(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, addr)
}

// Endpoint is one node's view of the hub; it implements transport.Transport
// and transport.Pinger.
type Endpoint struct {
	hub  *Hub
	addr string

	mu      sync.RWMutex
	handler transport.Handler
	closed  bool
}

var (
	_ transport.Transport = (*Endpoint)(nil)
	_ transport.Pinger    = (*Endpoint)(nil)
)

// Addr returns the endpoint's address on the hub
func (e *Endpoint) Addr() string {
	return e.addr
}

// Send delivers batch to peer synchronously
func (e *Endpoint) Send(ctx context.Context, peer string, batch []models.ChangeEvent) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	return e.hub.deliver(ctx, e.addr, peer, batch)
}

// OnReceive registers the inbound handler
func (e *Endpoint) OnReceive(h transport.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Ping reports whether peer is registered and not marked down
func (e *Endpoint) Ping(ctx context.Context, peer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if _, ok := e.hub.endpoints[peer]; !ok {
		return fmt.Errorf("ping %s: %w", peer, transport.ErrUnknownPeer)
	}
	if e.hub.down[peer] {
		return fmt.Errorf("ping %s: %w (down)", peer, ErrInjected)
	}
	return nil
}

// Close unregisters the endpoint
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.handler = nil
	e.mu.Unlock()
	e.hub.unregister(e.addr)
	return nil
}

func (e *Endpoint) getHandler() transport.Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler
}
