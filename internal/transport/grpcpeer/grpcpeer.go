// Package grpcpeer moves change-event batches between nodes over gRPC.
// Liveness uses the standard gRPC health service.
package grpcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/transport"
)

// ErrUnauthorized is returned when a peer rejects the shared token
var ErrUnauthorized = errors.New("unauthorized")

// Config configures the gRPC transport
type Config struct {
	NodeID     string
	ListenAddr string // empty disables the server side
	Token      string
}

// Transport implements transport.Transport and transport.Pinger over gRPC
type Transport struct {
	nodeID string
	token  string
	srv    *grpc.Server
	health *health.Server
	ln     net.Listener

	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	handler transport.Handler
	closed  bool
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Pinger    = (*Transport)(nil)
)

// New creates the transport, binding and serving ListenAddr when set
func New(cfg Config) (*Transport, error) {
	t := &Transport{
		nodeID: cfg.NodeID,
		token:  cfg.Token,
		conns:  make(map[string]*grpc.ClientConn),
	}
	if cfg.ListenAddr == "" {
		return t, nil
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	t.ln = ln
	t.srv = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(t.authInterceptor),
	)
	t.srv.RegisterService(&replicationServiceDesc, t)
	t.health = health.NewServer()
	healthpb.RegisterHealthServer(t.srv, t.health)
	t.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	t.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := t.srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("replication server stopped", "err", err)
		}
	}()
	slog.Info("replication listening", "transport", "grpc", "addr", ln.Addr().String())
	return t, nil
}

// Addr returns the bound listen address, or "" when not serving
func (t *Transport) Addr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// authInterceptor checks the bearer token on replication calls. Health
// checks stay open so probes work without credentials.
func (t *Transport) authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if t.token == "" || strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	if vals := md.Get("authorization"); len(vals) == 0 || !transport.BearerMatches(vals[0], t.token) {
		return nil, status.Error(codes.Unauthenticated, "invalid cluster token")
	}
	return handler(ctx, req)
}

// Replicate decodes an inbound envelope and hands it to the handler
func (t *Transport) Replicate(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	from, events, err := transport.DecodeBatch(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return nil, status.Error(codes.Unavailable, "node is not accepting batches")
	}
	if err := h(ctx, from, events); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// OnReceive registers the inbound handler
func (t *Transport) OnReceive(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// conn returns a cached client connection to peer
func (t *Transport) conn(peer string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	if c, ok := t.conns[peer]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(peer,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peer, err)
	}
	t.conns[peer] = c
	return c, nil
}

func (t *Transport) outgoing(ctx context.Context) context.Context {
	ctx = metadata.AppendToOutgoingContext(ctx, "x-statesync-node", t.nodeID)
	if t.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+t.token)
	}
	return ctx
}

// Send invokes Replicate on peer
func (t *Transport) Send(ctx context.Context, peer string, batch []models.ChangeEvent) error {
	c, err := t.conn(peer)
	if err != nil {
		return err
	}
	data, err := transport.EncodeBatch(t.nodeID, batch)
	if err != nil {
		return err
	}
	err = c.Invoke(t.outgoing(ctx), replicateMethod, &wrapperspb.BytesValue{Value: data}, new(emptypb.Empty))
	return mapError(peer, err)
}

// Ping runs a health check against peer
func (t *Transport) Ping(ctx context.Context, peer string) error {
	c, err := t.conn(peer)
	if err != nil {
		return err
	}
	resp, err := healthpb.NewHealthClient(c).Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		return mapError(peer, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("peer %s: health %s", peer, resp.GetStatus())
	}
	return nil
}

func mapError(peer string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("peer %s: %w", peer, err)
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("peer %s: %w: %s", peer, ErrUnauthorized, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("peer %s: %w: %s", peer, transport.ErrRefused, st.Message())
	default:
		return fmt.Errorf("peer %s: %s: %s", peer, st.Code(), st.Message())
	}
}

// Close stops serving and closes client connections
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handler = nil
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	var errs []error
	for peer, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", peer, err))
		}
	}

	if t.srv != nil {
		t.health.Shutdown()
		done := make(chan struct{})
		go func() {
			t.srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.srv.Stop()
		}
	}
	return errors.Join(errs...)
}
