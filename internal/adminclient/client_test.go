package adminclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/statesync/internal/api"
	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/replica"
	"github.com/marcus/statesync/internal/transport/memory"
)

func startNode(t *testing.T, token string) (*Client, *replica.Engine) {
	t.Helper()
	hub := memory.NewHub()
	eng, err := replica.New(context.Background(), replica.Config{
		NodeID:    "node-a",
		Transport: hub.Endpoint("node-a"),
		Interval:  time.Hour,
	})
	require.NoError(t, err)

	srv, err := api.NewServer(api.Config{ListenAddr: "127.0.0.1:0", Token: token}, eng)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = eng.Close(ctx)
	})
	return New(srv.Addr(), token), eng
}

func TestClientEntityRoundTrip(t *testing.T) {
	c, _ := startNode(t, "tok")
	ctx := context.Background()

	health, err := c.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "node-a", health.Node)

	ent, err := c.CreateEntity(ctx, models.Attributes{"team": "red"}, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, ent.State)

	updated, err := c.UpdateEntity(ctx, ent.ID, models.Attributes{"team": nil, "owner": "ops"}, "")
	require.NoError(t, err)
	assert.NotContains(t, updated.Attributes, "team")
	assert.Equal(t, "ops", updated.Attributes["owner"])

	tr, err := c.Transition(ctx, ent.ID, models.StateActive)
	require.NoError(t, err)
	assert.True(t, tr.Success)
	assert.EqualValues(t, 3, tr.Version)

	list, err := c.ListEntities(ctx, ListOptions{State: models.StateActive})
	require.NoError(t, err)
	require.Len(t, list, 1)
	list, err = c.ListEntities(ctx, ListOptions{AttrKey: "owner", AttrValue: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, list)

	hist, err := c.History(ctx, ent.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 3)

	require.NoError(t, c.DeleteEntity(ctx, ent.ID))
	_, err = c.GetEntity(ctx, ent.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientErrorMapping(t *testing.T) {
	c, _ := startNode(t, "tok")
	ctx := context.Background()

	ent, err := c.CreateEntity(ctx, nil, "")
	require.NoError(t, err)

	_, err = c.Transition(ctx, ent.ID, models.StateArchived)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "Invalid transition")

	bad := New(c.BaseURL, "wrong")
	_, err = bad.Stats(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.UpdateEntity(ctx, ent.ID, nil, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad_request", apiErr.Code)
	assert.Equal(t, 400, apiErr.Status)
}

func TestClientNodeEndpoints(t *testing.T) {
	c, eng := startNode(t, "")
	ctx := context.Background()

	wf, err := c.Workflow(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, wf.Initial)
	assert.Len(t, wf.States, 4)

	added, err := c.AddPeer(ctx, "node-z")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = c.AddPeer(ctx, "node-z")
	require.NoError(t, err)
	assert.False(t, added)

	peers, err := c.Peers(ctx, true)
	require.NoError(t, err)
	require.Len(t, peers.Peers, 1)
	assert.NotEqual(t, "ok", peers.Probe["node-z"])

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-a", st.NodeID)
	assert.Equal(t, 1, st.PeerCount)

	require.NoError(t, c.RemovePeer(ctx, "node-z"))
	assert.Empty(t, eng.Peers())
	assert.ErrorIs(t, c.RemovePeer(ctx, "node-z"), ErrNotFound)

	require.NoError(t, c.Flush(ctx))
}

func TestNewAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7480", New("127.0.0.1:7480", "").BaseURL)
	assert.Equal(t, "https://node.example.com", New("https://node.example.com/", "").BaseURL)
}
