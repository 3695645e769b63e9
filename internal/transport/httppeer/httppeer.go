// Package httppeer moves change-event batches between nodes as JSON
// envelopes over HTTP. Each node serves POST /v1/replicate and GET /healthz
// on its own listener and posts batches to its peers' listeners.
package httppeer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/transport"
)

const (
	replicatePath  = "/v1/replicate"
	healthPath     = "/healthz"
	nodeHeader     = "X-Statesync-Node"
	maxBodyBytes   = 32 << 20
	defaultTimeout = 30 * time.Second
)

// ErrUnauthorized is returned when a peer rejects the shared token
var ErrUnauthorized = errors.New("unauthorized")

// Config configures the HTTP transport
type Config struct {
	NodeID     string
	ListenAddr string // empty disables the server side
	Token      string // shared cluster secret; empty disables auth
	HTTP       *http.Client
}

// Transport implements transport.Transport and transport.Pinger over HTTP
type Transport struct {
	nodeID string
	token  string
	client *http.Client
	srv    *http.Server
	ln     net.Listener

	mu      sync.RWMutex
	handler transport.Handler
	closed  bool
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Pinger    = (*Transport)(nil)
)

// errorBody is the error shape written by the replicate endpoint
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// replicateResponse acknowledges an accepted batch
type replicateResponse struct {
	Accepted int `json:"accepted"`
}

// New creates the transport. When ListenAddr is set the listener is bound
// immediately and served in the background.
func New(cfg Config) (*Transport, error) {
	client := cfg.HTTP
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	t := &Transport{nodeID: cfg.NodeID, token: cfg.Token, client: client}

	if cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}
		t.ln = ln
		t.srv = &http.Server{
			Handler:      t.Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			if err := t.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("replication server stopped", "err", err)
			}
		}()
		slog.Info("replication listening", "transport", "http", "addr", ln.Addr().String())
	}
	return t, nil
}

// Addr returns the bound listen address, or "" when not serving
func (t *Transport) Addr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// Handler returns the inbound HTTP handler
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+replicatePath, t.handleReplicate)
	mux.HandleFunc("GET "+healthPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": t.nodeID})
	})
	return mux
}

// OnReceive registers the inbound handler
func (t *Transport) OnReceive(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) getHandler() transport.Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

func (t *Transport) authorized(r *http.Request) bool {
	return transport.BearerMatches(r.Header.Get("Authorization"), t.token)
}

func (t *Transport) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if !t.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid cluster token")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "read body: "+err.Error())
		return
	}
	from, events, err := transport.DecodeBatch(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if from == "" {
		from = r.Header.Get(nodeHeader)
	}

	h := t.getHandler()
	if h == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "node is not accepting batches")
		return
	}
	if err := h(r.Context(), from, events); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, replicateResponse{Accepted: len(events)})
}

// peerURL turns a peer address into a base URL
func peerURL(peer string) string {
	if strings.HasPrefix(peer, "http://") || strings.HasPrefix(peer, "https://") {
		return strings.TrimSuffix(peer, "/")
	}
	return "http://" + peer
}

// Send posts batch to peer's replicate endpoint
func (t *Transport) Send(ctx context.Context, peer string, batch []models.ChangeEvent) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}

	body, err := transport.EncodeBatch(t.nodeID, batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(peer)+replicatePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(nodeHeader, t.nodeID)
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	defer resp.Body.Close()
	return checkResponse(peer, resp)
}

// Ping checks peer's health endpoint
func (t *Transport) Ping(ctx context.Context, peer string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL(peer)+healthPath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", peer, err)
	}
	defer resp.Body.Close()
	return checkResponse(peer, resp)
}

func checkResponse(peer string, resp *http.Response) error {
	if resp.StatusCode < 400 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(respBody))
	var eb errorBody
	if json.Unmarshal(respBody, &eb) == nil && eb.Error.Code != "" {
		msg = eb.Error.Message
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("peer %s: %w: %s", peer, ErrUnauthorized, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("peer %s: %w: %s", peer, transport.ErrRefused, msg)
	default:
		return fmt.Errorf("peer %s: HTTP %d: %s", peer, resp.StatusCode, msg)
	}
}

// Close stops the server and drops idle connections
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handler = nil
	t.mu.Unlock()

	t.client.CloseIdleConnections()
	if t.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.srv.Shutdown(ctx)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var eb errorBody
	eb.Error.Code = code
	eb.Error.Message = message
	writeJSON(w, status, eb)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "err", err)
	}
}
