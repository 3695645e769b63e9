package httppeer

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/transport"
)

func sampleBatch() []models.ChangeEvent {
	return []models.ChangeEvent{
		{
			EntityID:  "e1",
			OriginID:  "a",
			Sequence:  1,
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Change: models.Insert{Entity: models.Entity{
				ID: "e1", State: models.StatePending, Version: 1, Attributes: models.Attributes{"k": "v"},
			}},
		},
		{EntityID: "e2", OriginID: "a", Sequence: 2, Change: models.Delete{EntityID: "e2", Version: 4}},
	}
}

func TestSendDeliversToHandler(t *testing.T) {
	recv, err := New(Config{NodeID: "b", ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer recv.Close()

	var (
		mu     sync.Mutex
		gotFor string
		got    []models.ChangeEvent
	)
	recv.OnReceive(func(_ context.Context, from string, batch []models.ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		gotFor, got = from, batch
		return nil
	})

	send, err := New(Config{NodeID: "a"})
	require.NoError(t, err)
	defer send.Close()

	require.NoError(t, send.Send(context.Background(), recv.Addr(), sampleBatch()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "a", gotFor)
	require.Len(t, got, 2)
	assert.Equal(t, models.EventInsert, got[0].Type())
	assert.Equal(t, "v", got[0].Change.(models.Insert).Entity.Attributes["k"])
	assert.Equal(t, int64(4), got[1].Version())
}

func TestHandlerErrorBecomesRefusal(t *testing.T) {
	recv, err := New(Config{NodeID: "b"})
	require.NoError(t, err)
	recv.OnReceive(func(context.Context, string, []models.ChangeEvent) error {
		return errors.New("storage degraded")
	})
	srv := httptest.NewServer(recv.Handler())
	defer srv.Close()

	send, err := New(Config{NodeID: "a"})
	require.NoError(t, err)

	err = send.Send(context.Background(), srv.URL, sampleBatch())
	require.ErrorIs(t, err, transport.ErrRefused)
	assert.Contains(t, err.Error(), "storage degraded")
}

func TestTokenAuth(t *testing.T) {
	recv, err := New(Config{NodeID: "b", Token: "s3cret"})
	require.NoError(t, err)
	recv.OnReceive(func(context.Context, string, []models.ChangeEvent) error { return nil })
	srv := httptest.NewServer(recv.Handler())
	defer srv.Close()

	wrong, err := New(Config{NodeID: "a", Token: "nope"})
	require.NoError(t, err)
	require.ErrorIs(t, wrong.Send(context.Background(), srv.URL, sampleBatch()), ErrUnauthorized)

	right, err := New(Config{NodeID: "a", Token: "s3cret"})
	require.NoError(t, err)
	require.NoError(t, right.Send(context.Background(), srv.URL, sampleBatch()))
}

func TestNoHandlerIsUnavailable(t *testing.T) {
	recv, err := New(Config{NodeID: "b"})
	require.NoError(t, err)
	srv := httptest.NewServer(recv.Handler())
	defer srv.Close()

	send, err := New(Config{NodeID: "a"})
	require.NoError(t, err)
	require.ErrorIs(t, send.Send(context.Background(), srv.URL, sampleBatch()), transport.ErrRefused)
}

func TestPing(t *testing.T) {
	recv, err := New(Config{NodeID: "b", ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	send, err := New(Config{NodeID: "a"})
	require.NoError(t, err)
	defer send.Close()

	require.NoError(t, send.Ping(context.Background(), recv.Addr()))

	addr := recv.Addr()
	require.NoError(t, recv.Close())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, send.Ping(ctx, addr))
}

func TestSendAfterClose(t *testing.T) {
	send, err := New(Config{NodeID: "a"})
	require.NoError(t, err)
	require.NoError(t, send.Close())
	require.ErrorIs(t, send.Send(context.Background(), "127.0.0.1:1", sampleBatch()), transport.ErrClosed)
}

func TestPeerURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1:7400", peerURL("10.0.0.1:7400"))
	assert.Equal(t, "https://node-b.internal", peerURL("https://node-b.internal/"))
	assert.True(t, strings.HasPrefix(peerURL("node-c:7400"), "http://"))
}
