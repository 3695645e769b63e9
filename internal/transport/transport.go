// Package transport defines the contract between the replication engine and
// the code that moves change-event batches between nodes, plus the JSON
// envelope shared by the HTTP and gRPC implementations.
package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marcus/statesync/internal/models"
)

// Sentinel errors reported by Send.
var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrRefused     = errors.New("batch refused by peer")
	ErrClosed      = errors.New("transport closed")
)

// Handler is invoked for every inbound batch. A non-nil error tells the
// sending node that the batch was not accepted and must be retried.
type Handler func(ctx context.Context, from string, batch []models.ChangeEvent) error

// Transport sends batches to peers and delivers inbound batches to the
// registered handler. Connection management and low-level retries belong to
// the implementation; callers only see success or failure per Send.
type Transport interface {
	Send(ctx context.Context, peer string, batch []models.ChangeEvent) error
	OnReceive(h Handler)
	Close() error
}

// BearerMatches reports whether an Authorization value carries token. An
// empty token accepts everything. The comparison is constant time.
func BearerMatches(header, token string) bool {
	if token == "" {
		return true
	}
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// Pinger is implemented by transports that can probe a peer's liveness.
type Pinger interface {
	Ping(ctx context.Context, peer string) error
}

// Envelope is the wire form of a batch.
type Envelope struct {
	From   string            `json:"from"`
	Events []json.RawMessage `json:"events"`
}

// EncodeBatch marshals a batch into an envelope.
func EncodeBatch(from string, batch []models.ChangeEvent) ([]byte, error) {
	env := Envelope{From: from, Events: make([]json.RawMessage, 0, len(batch))}
	for _, ev := range batch {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %s/%d: %w", ev.OriginID, ev.Sequence, err)
		}
		env.Events = append(env.Events, data)
	}
	return json.Marshal(env)
}

// DecodeBatch unmarshals an envelope. Events that fail to decode are logged
// and left out so one malformed event never discards the rest of the batch.
func DecodeBatch(data []byte) (string, []models.ChangeEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	events := make([]models.ChangeEvent, 0, len(env.Events))
	for i, raw := range env.Events {
		var ev models.ChangeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Warn("transport: skipping malformed event", "from", env.From, "index", i, "err", err)
			continue
		}
		events = append(events, ev)
	}
	return env.From, events, nil
}
