package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/statesync/internal/adminclient"
	"github.com/marcus/statesync/internal/api"
	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/output"
	"github.com/marcus/statesync/internal/replica"
	"github.com/marcus/statesync/internal/transport/memory"
)

// startNode runs an admin server over an in-memory engine and returns its address
func startNode(t *testing.T) string {
	t.Helper()
	hub := memory.NewHub()
	hub.Endpoint("node-b")
	eng, err := replica.New(context.Background(), replica.Config{
		NodeID:    "node-a",
		Transport: hub.Endpoint("node-a"),
		Interval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	srv, err := api.NewServer(api.Config{ListenAddr: "127.0.0.1:0"}, eng)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = eng.Close(ctx)
	})
	return srv.Addr()
}

// resetFlags puts every flag back to its default between executions
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// run executes the CLI against addr and returns what it printed
func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := output.Stdout
	output.Stdout = &buf
	t.Cleanup(func() { output.Stdout = prev })

	resetFlags(rootCmd)
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs(append(args, "--addr", addr))
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func runJSON(t *testing.T, addr string, v any, args ...string) {
	t.Helper()
	out, err := run(t, addr, append(args, "--json")...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("%v: decode %q: %v", args, out, err)
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd   *cobra.Command
		flags []string
	}{
		{createCmd, []string{"attr", "state"}},
		{updateCmd, []string{"attr", "unset", "state"}},
		{listCmd, []string{"state", "attr"}},
		{deleteCmd, []string{"yes", "force"}},
		{peerListCmd, []string{"probe"}},
		{monitorCmd, []string{"interval"}},
		{workflowCmd, []string{"plain"}},
	}
	for _, tt := range tests {
		for _, name := range tt.flags {
			if tt.cmd.Flags().Lookup(name) == nil {
				t.Errorf("%s: expected --%s flag", tt.cmd.Name(), name)
			}
		}
	}

	for _, name := range []string{"addr", "token", "json", "yaml"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected persistent --%s flag", name)
		}
	}
	if f := createCmd.Flags().ShorthandLookup("a"); f == nil || f.Name != "attr" {
		t.Error("create: -a should be shorthand for --attr")
	}
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		cmd     *cobra.Command
		args    []string
		wantErr bool
	}{
		{showCmd, []string{}, true},
		{showCmd, []string{"e-1"}, false},
		{showCmd, []string{"e-1", "e-2"}, true},
		{transitionCmd, []string{"e-1"}, true},
		{transitionCmd, []string{"e-1", "active"}, false},
		{createCmd, []string{"extra"}, true},
		{listCmd, []string{}, false},
		{peerAddCmd, []string{}, true},
		{peerAddCmd, []string{"127.0.0.1:7401"}, false},
	}
	for _, tt := range tests {
		err := tt.cmd.Args(tt.cmd, tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s %v: err=%v, wantErr=%v", tt.cmd.Name(), tt.args, err, tt.wantErr)
		}
	}
}

func TestCommandGroups(t *testing.T) {
	for _, c := range []*cobra.Command{createCmd, showCmd, updateCmd, transitionCmd, listCmd, deleteCmd, historyCmd} {
		if c.GroupID != "core" {
			t.Errorf("%s: group %q, want core", c.Name(), c.GroupID)
		}
	}
	for _, c := range []*cobra.Command{peerCmd, statsCmd, flushCmd, workflowCmd} {
		if c.GroupID != "node" {
			t.Errorf("%s: group %q, want node", c.Name(), c.GroupID)
		}
	}
	if transitionCmd.Aliases[0] != "move" {
		t.Errorf("transition alias: got %v", transitionCmd.Aliases)
	}
}

func TestEntityLifecycleCommands(t *testing.T) {
	addr := startNode(t)

	var created models.Entity
	runJSON(t, addr, &created, "create", "--attr", "team=red", "-a", "size=3")
	if created.ID == "" || created.State != models.StatePending {
		t.Fatalf("create: %+v", created)
	}
	if created.Attributes["size"] != float64(3) {
		t.Errorf("size should be numeric: %#v", created.Attributes["size"])
	}

	var updated models.Entity
	runJSON(t, addr, &updated, "update", created.ID, "--attr", "owner=ops", "--unset", "team")
	if _, ok := updated.Attributes["team"]; ok {
		t.Error("team should be unset")
	}
	if updated.Attributes["owner"] != "ops" {
		t.Errorf("owner: got %v", updated.Attributes["owner"])
	}

	var tr adminclient.TransitionResponse
	runJSON(t, addr, &tr, "move", created.ID, "active")
	if !tr.Success || tr.NewState != models.StateActive {
		t.Errorf("transition: %+v", tr)
	}

	var listed []models.Entity
	runJSON(t, addr, &listed, "list", "--state", "active")
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Errorf("list active: %+v", listed)
	}
	runJSON(t, addr, &listed, "list", "--attr", "owner=nobody")
	if len(listed) != 0 {
		t.Errorf("list owner=nobody: %+v", listed)
	}

	var shown struct {
		ID      string                  `json:"id"`
		History []models.ActivityRecord `json:"history"`
	}
	runJSON(t, addr, &shown, "show", created.ID)
	if shown.ID != created.ID || len(shown.History) != 3 {
		t.Errorf("show: id=%s history=%d", shown.ID, len(shown.History))
	}

	out, err := run(t, addr, "history", created.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.Count(out, "\n") != 3 {
		t.Errorf("history text should have 3 lines:\n%s", out)
	}

	if _, err := run(t, addr, "delete", created.ID, "--yes"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = run(t, addr, "show", created.ID)
	if !errors.Is(err, adminclient.ErrNotFound) {
		t.Errorf("show after delete: expected not found, got %v", err)
	}
}

func TestTransitionRejected(t *testing.T) {
	addr := startNode(t)

	var created models.Entity
	runJSON(t, addr, &created, "create")

	_, err := run(t, addr, "transition", created.ID, "archived")
	if !errors.Is(err, adminclient.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if errorCode(err) != output.ErrCodeInvalidTransition {
		t.Errorf("error code: got %s", errorCode(err))
	}
}

func TestUpdateRequiresChanges(t *testing.T) {
	addr := startNode(t)
	_, err := run(t, addr, "update", "e-1")
	if !errors.Is(err, errInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
}

func TestDeleteNonInteractiveNeedsYes(t *testing.T) {
	addr := startNode(t)

	var created models.Entity
	runJSON(t, addr, &created, "create")

	prev := stdinIsTerminal
	stdinIsTerminal = func() bool { return false }
	t.Cleanup(func() { stdinIsTerminal = prev })

	_, err := run(t, addr, "delete", created.ID)
	if !errors.Is(err, errInvalidInput) {
		t.Fatalf("expected refusal without --yes, got %v", err)
	}

	if _, err := run(t, addr, "delete", created.ID, "--force"); err != nil {
		t.Errorf("--force should skip confirmation: %v", err)
	}
}

func TestPeerCommands(t *testing.T) {
	addr := startNode(t)

	out, err := run(t, addr, "peer", "add", "node-b")
	if err != nil {
		t.Fatalf("peer add: %v", err)
	}
	if !strings.Contains(out, "ADDED node-b") {
		t.Errorf("peer add output: %q", out)
	}

	out, err = run(t, addr, "peer", "add", "node-b")
	if err != nil {
		t.Fatalf("peer add again: %v", err)
	}
	if !strings.Contains(out, "already a peer") {
		t.Errorf("duplicate add output: %q", out)
	}

	var peers adminclient.PeersResponse
	runJSON(t, addr, &peers, "peer", "list", "--probe")
	if len(peers.Peers) != 1 || peers.Peers[0].Address != "node-b" {
		t.Fatalf("peer list: %+v", peers.Peers)
	}
	if peers.Probe["node-b"] != "ok" {
		t.Errorf("probe: %v", peers.Probe)
	}

	if _, err := run(t, addr, "peer", "rm", "node-b"); err != nil {
		t.Fatalf("peer rm: %v", err)
	}
	_, err = run(t, addr, "peer", "rm", "node-b")
	if !errors.Is(err, adminclient.ErrNotFound) {
		t.Errorf("removing unknown peer: expected not found, got %v", err)
	}
}

func TestNodeCommands(t *testing.T) {
	addr := startNode(t)

	var st replica.Stats
	runJSON(t, addr, &st, "stats")
	if st.NodeID != "node-a" || !st.IsRunning {
		t.Errorf("stats: %+v", st)
	}

	if _, err := run(t, addr, "flush"); err != nil {
		t.Errorf("flush: %v", err)
	}

	out, err := run(t, addr, "workflow", "--plain")
	if err != nil {
		t.Fatalf("workflow: %v", err)
	}
	if !strings.Contains(out, "| Active | archived, suspended |") {
		t.Errorf("workflow markdown:\n%s", out)
	}

	out, err = run(t, addr, "stats", "--yaml")
	if err != nil {
		t.Fatalf("stats --yaml: %v", err)
	}
	if !strings.Contains(out, "node_id: node-a") {
		t.Errorf("yaml output:\n%s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("v1.2.3")
	t.Cleanup(func() { SetVersion("") })

	out, err := run(t, "127.0.0.1:1", "version", "--short")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "v1.2.3" {
		t.Errorf("version --short: got %q", out)
	}
}
