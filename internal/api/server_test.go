package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/replica"
	"github.com/marcus/statesync/internal/transport/memory"
)

// flakyStorage is an in-memory replica.Storage whose commits can be failed
type flakyStorage struct {
	fail atomic.Bool
}

func (s *flakyStorage) Load(context.Context) (replica.Snapshot, error) { return replica.Snapshot{}, nil }

func (s *flakyStorage) Commit(context.Context, replica.Mutation) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return nil
}

func (s *flakyStorage) Ping(context.Context) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return nil
}

func (s *flakyStorage) Close() error { return nil }

func newTestEngine(t *testing.T, hub *memory.Hub, id string, storage replica.Storage, peers ...string) *replica.Engine {
	t.Helper()
	eng, err := replica.New(context.Background(), replica.Config{
		NodeID:    id,
		Transport: hub.Endpoint(id),
		Storage:   storage,
		Peers:     peers,
		Interval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eng.Close(ctx)
	})
	return eng
}

// newTestServer creates a Server over a fresh engine for testing.
func newTestServer(t *testing.T) (*Server, *replica.Engine) {
	t.Helper()
	return newTestServerWithConfig(t, nil)
}

// newTestServerWithConfig creates a test server with a custom config modifier.
func newTestServerWithConfig(t *testing.T, modCfg func(*Config)) (*Server, *replica.Engine) {
	t.Helper()
	eng := newTestEngine(t, memory.NewHub(), "node-a", nil)
	cfg := Config{ListenAddr: "127.0.0.1:0"}
	if modCfg != nil {
		modCfg(&cfg)
	}
	srv, err := NewServer(cfg, eng)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return srv, eng
}

func doRequest(srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

func createEntity(t *testing.T, srv *Server, attrs models.Attributes) models.Entity {
	t.Helper()
	w := doRequest(srv, "POST", "/v1/entities", "", CreateEntityRequest{Attributes: attrs})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var ent models.Entity
	json.NewDecoder(w.Body).Decode(&ent)
	return ent
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "ok" || resp["node"] != "node-a" {
		t.Fatalf("unexpected health body: %v", resp)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestEntityLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	ent := createEntity(t, srv, models.Attributes{"team": "red"})
	if ent.State != models.StatePending || ent.Version != 1 {
		t.Fatalf("created: state=%s version=%d", ent.State, ent.Version)
	}

	w := doRequest(srv, "GET", "/v1/entities/"+ent.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}

	w = doRequest(srv, "PATCH", "/v1/entities/"+ent.ID, "", UpdateEntityRequest{Attributes: models.Attributes{"team": "blue"}})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated models.Entity
	json.NewDecoder(w.Body).Decode(&updated)
	if updated.Attributes["team"] != "blue" || updated.Version != 2 {
		t.Errorf("patched: %+v", updated)
	}

	w = doRequest(srv, "POST", "/v1/entities/"+ent.ID+"/transition", "", TransitionRequest{To: models.StateActive})
	if w.Code != http.StatusOK {
		t.Fatalf("transition: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var tr TransitionResponse
	json.NewDecoder(w.Body).Decode(&tr)
	if !tr.Success || tr.NewState != models.StateActive || tr.Version != 3 {
		t.Errorf("transition response: %+v", tr)
	}

	w = doRequest(srv, "GET", "/v1/entities/"+ent.ID+"/activity", "", nil)
	var recs []models.ActivityRecord
	json.NewDecoder(w.Body).Decode(&recs)
	if len(recs) != 3 {
		t.Fatalf("activity: got %d records, want 3", len(recs))
	}
	if recs[2].Type != models.ActivityStateChange {
		t.Errorf("last record: got %s", recs[2].Type)
	}

	w = doRequest(srv, "DELETE", "/v1/entities/"+ent.ID, "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	w = doRequest(srv, "GET", "/v1/entities/"+ent.ID, "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeNotFound {
		t.Errorf("error code: got %s", e.Code)
	}
}

func TestPatchWithStateTransitions(t *testing.T) {
	srv, _ := newTestServer(t)
	ent := createEntity(t, srv, nil)

	w := doRequest(srv, "PATCH", "/v1/entities/"+ent.ID, "", UpdateEntityRequest{
		Attributes: models.Attributes{"owner": "ops"},
		State:      models.StateActive,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got models.Entity
	json.NewDecoder(w.Body).Decode(&got)
	if got.State != models.StateActive || got.Version != 3 {
		t.Errorf("patched: state=%s version=%d", got.State, got.Version)
	}

	w = doRequest(srv, "PATCH", "/v1/entities/"+ent.ID, "", UpdateEntityRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty patch: expected 400, got %d", w.Code)
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	srv, eng := newTestServer(t)
	ent := createEntity(t, srv, nil)

	w := doRequest(srv, "POST", "/v1/entities/"+ent.ID+"/transition", "", TransitionRequest{To: models.StateArchived})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if e := decodeError(t, w); e.Code != ErrCodeInvalidTransition {
		t.Errorf("error code: got %s", e.Code)
	}

	got, ok := eng.Get(ent.ID)
	if !ok {
		t.Fatalf("entity %s missing", ent.ID)
	}
	if got.State != models.StatePending || got.Version != 1 {
		t.Errorf("entity changed: state=%s version=%d", got.State, got.Version)
	}
}

func TestCreateRejectsNonInitialState(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, "POST", "/v1/entities", "", CreateEntityRequest{State: models.StateActive})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestBadJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/entities", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListEntitiesFilters(t *testing.T) {
	srv, _ := newTestServer(t)
	a := createEntity(t, srv, models.Attributes{"team": "red"})
	createEntity(t, srv, models.Attributes{"team": "blue"})
	doRequest(srv, "POST", "/v1/entities/"+a.ID+"/transition", "", TransitionRequest{To: models.StateActive})

	tests := []struct {
		query string
		want  int
		code  int
	}{
		{"", 2, http.StatusOK},
		{"?state=active", 1, http.StatusOK},
		{"?state=archived", 0, http.StatusOK},
		{"?attr=team=blue", 1, http.StatusOK},
		{"?state=active&attr=team=blue", 0, http.StatusOK},
		{"?attr=team", 0, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := doRequest(srv, "GET", "/v1/entities"+tt.query, "", nil)
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, w.Code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var ents []models.Entity
			json.NewDecoder(w.Body).Decode(&ents)
			if len(ents) != tt.want {
				t.Errorf("got %d entities, want %d", len(ents), tt.want)
			}
		})
	}
}

func TestTokenAuth(t *testing.T) {
	srv, _ := newTestServerWithConfig(t, func(c *Config) { c.Token = "s3cret" })

	if w := doRequest(srv, "GET", "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthz should be public, got %d", w.Code)
	}
	if w := doRequest(srv, "GET", "/v1/entities", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", w.Code)
	}
	if w := doRequest(srv, "GET", "/v1/entities", "wrong", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", w.Code)
	}
	if w := doRequest(srv, "GET", "/v1/entities", "s3cret", nil); w.Code != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", w.Code)
	}
}

func TestStorageFailureDegradesHealth(t *testing.T) {
	st := &flakyStorage{}
	eng := newTestEngine(t, memory.NewHub(), "node-a", st)
	srv, err := NewServer(Config{}, eng)
	if err != nil {
		t.Fatal(err)
	}

	st.fail.Store(true)
	w := doRequest(srv, "POST", "/v1/entities", "", CreateEntityRequest{})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("create: expected 503, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeStorageFailure {
		t.Errorf("error code: got %s", e.Code)
	}
	if w := doRequest(srv, "GET", "/healthz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz while degraded: expected 503, got %d", w.Code)
	}

	st.fail.Store(false)
	createEntity(t, srv, nil)
	if w := doRequest(srv, "GET", "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthz after recovery: expected 200, got %d", w.Code)
	}
}

func TestPeerManagement(t *testing.T) {
	hub := memory.NewHub()
	eng := newTestEngine(t, hub, "node-a", nil)
	newTestEngine(t, hub, "node-b", nil)
	srv, _ := NewServer(Config{}, eng)

	w := doRequest(srv, "POST", "/v1/peers", "", PeerRequest{Address: "node-b"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d", w.Code)
	}
	w = doRequest(srv, "POST", "/v1/peers", "", PeerRequest{Address: "node-b"})
	if w.Code != http.StatusOK {
		t.Errorf("re-add: expected 200, got %d", w.Code)
	}
	w = doRequest(srv, "POST", "/v1/peers", "", PeerRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty address: expected 400, got %d", w.Code)
	}
	doRequest(srv, "POST", "/v1/peers", "", PeerRequest{Address: "node-c"})

	w = doRequest(srv, "GET", "/v1/peers?probe=1", "", nil)
	var resp PeersResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Peers) != 2 {
		t.Fatalf("peers: got %d, want 2", len(resp.Peers))
	}
	if resp.Probe["node-b"] != "ok" {
		t.Errorf("probe node-b: got %q", resp.Probe["node-b"])
	}
	if resp.Probe["node-c"] == "ok" {
		t.Error("probe node-c should fail")
	}

	if w := doRequest(srv, "DELETE", "/v1/peers?address=node-c", "", nil); w.Code != http.StatusNoContent {
		t.Errorf("remove: expected 204, got %d", w.Code)
	}
	if w := doRequest(srv, "DELETE", "/v1/peers?address=node-c", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("remove again: expected 404, got %d", w.Code)
	}
	if got := eng.Peers(); len(got) != 1 || got[0] != "node-b" {
		t.Errorf("engine peers: %v", got)
	}
}

func TestFlushReplicates(t *testing.T) {
	hub := memory.NewHub()
	eng := newTestEngine(t, hub, "node-a", nil, "node-b")
	peerB := newTestEngine(t, hub, "node-b", nil)
	srv, _ := NewServer(Config{}, eng)

	ent := createEntity(t, srv, models.Attributes{"k": "v"})

	w := doRequest(srv, "POST", "/v1/flush", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("flush: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, ok := peerB.Get(ent.ID)
	if !ok {
		t.Fatal("peer b should have entity")
	}
	if got.Version != 1 || got.Origin != "node-a" {
		t.Errorf("replicated: %+v", got)
	}

	hub.SetDown("node-b", true)
	createEntity(t, srv, nil)
	w = doRequest(srv, "POST", "/v1/flush", "", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("flush to down peer: expected 502, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeDispatchFailure {
		t.Errorf("error code: got %s", e.Code)
	}
}

func TestWorkflowAndStats(t *testing.T) {
	srv, _ := newTestServer(t)
	createEntity(t, srv, nil)

	w := doRequest(srv, "GET", "/v1/workflow", "", nil)
	var wf WorkflowResponse
	json.NewDecoder(w.Body).Decode(&wf)
	if wf.Initial != models.StatePending || len(wf.States) != 4 {
		t.Errorf("workflow: %+v", wf)
	}
	if got := wf.Transitions[models.StateActive]; len(got) != 2 {
		t.Errorf("active transitions: %v", got)
	}

	w = doRequest(srv, "GET", "/v1/stats", "", nil)
	var st replica.Stats
	json.NewDecoder(w.Body).Decode(&st)
	if st.NodeID != "node-a" || st.Entities != 1 || st.Metrics.LocalMutations != 1 {
		t.Errorf("stats: %+v", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.routes()

	for _, path := range []string{"/healthz", "/v1/entities/missing", "/v1/entities"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}
	// routes() builds a fresh chain over the same Metrics
	w := doRequest(srv, "GET", "/metricz", "", nil)
	var m MetricsSnapshot
	json.NewDecoder(w.Body).Decode(&m)
	if m.Requests != 4 {
		t.Errorf("requests: got %d, want 4", m.Requests)
	}
	if m.ClientErrors != 1 {
		t.Errorf("client errors: got %d, want 1", m.ClientErrors)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), recoveryMiddleware, requestIDMiddleware, loggerMiddleware)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
