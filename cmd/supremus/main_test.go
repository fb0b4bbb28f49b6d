package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/kurameshinatsuki/supremus/internal/config"
	"github.com/kurameshinatsuki/supremus/internal/conversation"
	"github.com/kurameshinatsuki/supremus/internal/store"
)

const (
	testGroup = "120363000000000001@g.us"
	testUser  = "15551234567@s.whatsapp.net"
	testBob   = "447700900123@s.whatsapp.net"
)

// runCmd drives run and returns its stdout.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

// workspace initializes a fresh directory and makes it the working
// directory, so the example config's relative paths land inside it.
func workspace(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	if _, err := runCmd(t, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
}

// seed writes a group and a private conversation through the store.
func seed(t *testing.T) {
	t.Helper()
	cfg, err := config.Load("config.yaml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	st, err := store.Open(ctx, storeConfig(cfg), nil, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	g := conversation.NewGroupRecord(testGroup)
	g.Participants[testBob] = conversation.Participant{DisplayName: "Bob", ChatID: testBob, NumericID: "447700900123"}
	g.History = append(g.History, conversation.NewGroupEntry("anyone up for lunch?", conversation.Inbound, testBob, "Bob"))
	if err := st.SaveGroup(ctx, g); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}
	if _, err := st.AppendUser(ctx, testUser, conversation.NewEntry("hello there", conversation.Inbound)); err != nil {
		t.Fatalf("AppendUser: %v", err)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"help"}, {"-h"}} {
		out, err := runCmd(t, args...)
		if err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		for _, c := range commands() {
			if !strings.Contains(out, "  "+c.name) {
				t.Errorf("usage missing command %q", c.name)
			}
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"--frob"}, "unknown flag"},
		{"bad output", []string{"-o", "xml", "version"}, "unknown output format"},
		{"missing args", []string{"history"}, "usage: supremus history"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "status"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "Supremus ") || !strings.Contains(out, "go_version:") {
		t.Errorf("version output = %q", out)
	}

	out, err = runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version json is not JSON: %v\n%s", err, out)
	}
	if info["version"] == "" {
		t.Error("version json missing version")
	}
}

func TestRun_Status(t *testing.T) {
	workspace(t)
	seed(t)

	out, err := runCmd(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"relational (configured)", "users:        1", "groups:       1", "credentials:  empty"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "-o", "json", "status")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("status json: %v\n%s", err, out)
	}
	if report.Backend != store.BackendRelational || report.Users != 1 || report.Groups != 1 {
		t.Errorf("status report = %+v", report)
	}
}

func TestRun_HistoryAndReset(t *testing.T) {
	workspace(t)
	seed(t)

	out, err := runCmd(t, "history", testGroup)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, want := range []string{"1 entries, 1 participants", "- Bob: mention as @447700900123", "Bob (@447700900123): anyone up for lunch?"} {
		if !strings.Contains(out, want) {
			t.Errorf("history missing %q:\n%s", want, out)
		}
	}

	if _, err := runCmd(t, "history", testUser, "zero"); err == nil {
		t.Error("history with a bad count succeeded")
	}

	if out, err := runCmd(t, "reset", testGroup); err != nil || !strings.Contains(out, "reset "+testGroup) {
		t.Fatalf("reset = %q, %v", out, err)
	}
	out, err = runCmd(t, "history", testGroup)
	if err != nil {
		t.Fatalf("history after reset: %v", err)
	}
	if !strings.Contains(out, "0 entries, 0 participants") {
		t.Errorf("history after reset:\n%s", out)
	}
}

func TestRun_Preview(t *testing.T) {
	workspace(t)
	seed(t)

	out, err := runCmd(t, "preview", testGroup, testBob, "what", "about", "@447700900123?")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	for _, want := range []string{
		"## Training",
		"In groups, several people talk at once.",
		"- @447700900123 refers to Bob",
		"From Bob (@447700900123):\nwhat about @447700900123?",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("preview missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "In private chats") {
		t.Error("group preview includes private-only training")
	}

	if _, err := runCmd(t, "preview", testGroup, "only-text"); err == nil {
		t.Error("group preview without a sender succeeded")
	}

	// Preview leaves history untouched.
	out, _ = runCmd(t, "history", testGroup)
	if !strings.Contains(out, "1 entries") {
		t.Errorf("preview changed history:\n%s", out)
	}
}

func TestRun_CredsAndMigrate(t *testing.T) {
	workspace(t)

	out, err := runCmd(t, "creds")
	if err != nil {
		t.Fatalf("creds: %v", err)
	}
	if !strings.Contains(out, "state:       empty") {
		t.Errorf("creds output:\n%s", out)
	}
	if out, err := runCmd(t, "creds", "clear"); err != nil || !strings.Contains(out, "credentials cleared") {
		t.Errorf("creds clear = %q, %v", out, err)
	}
	if _, err := runCmd(t, "creds", "wipe"); err == nil {
		t.Error("creds with an unknown action succeeded")
	}

	out, err = runCmd(t, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "migrated 0 users and 0 groups") {
		t.Errorf("migrate output = %q", out)
	}
}

func TestStoreConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Relational.DSN = "/tmp/x.db"
	sc := storeConfig(cfg)
	if sc.Relational.DSN != "/tmp/x.db" || sc.Relational.Driver != "sqlite3" {
		t.Errorf("relational = %+v", sc.Relational)
	}
	if sc.Limits != conversation.DefaultLimits() {
		t.Errorf("limits = %+v, want defaults", sc.Limits)
	}
	if sc.FallbackPath != cfg.Storage.FallbackPath || sc.MigrateWorkers != 4 {
		t.Errorf("store config = %+v", sc)
	}
}
