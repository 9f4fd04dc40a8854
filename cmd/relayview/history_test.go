package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HakAl/relayview/internal/store"
)

// seedHistory writes three records, the oldest already expired, and
// returns the database path.
func seedHistory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	st, err := store.NewSQLiteStore(path, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer st.Close()

	now := time.Now()
	expired := now.Add(-time.Hour)
	recs := []*store.Record{
		{
			ID: "rec-http", Kind: "http", Label: "GET /index.html", Outcome: "success",
			Status: 200, Detail: "OK",
			StartedAt: now.Add(-2 * time.Second), CompletedAt: now.Add(-time.Second), DurationMs: 1000,
		},
		{
			ID: "rec-ws", Kind: "ws", Label: "ws: /live", Outcome: "upstream_error",
			Detail:    "dial tcp: connection refused",
			StartedAt: now.Add(-time.Minute), CompletedAt: now.Add(-time.Minute), DurationMs: 3,
		},
		{
			ID: "rec-old", Kind: "http", Label: "GET /old", Outcome: "closed",
			Detail:    "server stopped",
			StartedAt: now.Add(-48 * time.Hour), CompletedAt: now.Add(-48 * time.Hour), ExpiresAt: &expired,
		},
	}
	if err := st.SaveRecords(context.Background(), recs); err != nil {
		t.Fatalf("SaveRecords() error = %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	clearEnv(t)
	cfgPath := writeConfig(t, "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(args, "--config", cfgPath))
	err := cmd.Execute()
	return out.String(), err
}

func TestHistoryCommand_Table(t *testing.T) {
	db := seedHistory(t)

	out, err := runCLI(t, "history", "--db", db)
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want header + 3 rows + summary:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "STARTED") || !strings.Contains(lines[0], "CONNECTION") {
		t.Errorf("header = %q", lines[0])
	}
	// Newest first.
	if !strings.Contains(lines[1], "GET /index.html") || !strings.Contains(lines[1], "200") {
		t.Errorf("first row = %q", lines[1])
	}
	if !strings.Contains(lines[2], "ws: /live") || !strings.Contains(lines[2], "upstream_error") {
		t.Errorf("second row = %q", lines[2])
	}
	if lines[4] != "3 of 3 records" {
		t.Errorf("summary = %q", lines[4])
	}
}

func TestHistoryCommand_Filters(t *testing.T) {
	db := seedHistory(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"kind", []string{"--kind", "ws"}, "1 of 1 records"},
		{"outcome", []string{"--outcome", "closed"}, "1 of 1 records"},
		{"since", []string{"--since", "1h"}, "2 of 2 records"},
		{"limit", []string{"--limit", "1"}, "1 of 3 records"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"history", "--db", db}, tt.args...)
			out, err := runCLI(t, args...)
			if err != nil {
				t.Fatalf("history error = %v", err)
			}
			if !strings.HasSuffix(out, tt.want+"\n") {
				t.Errorf("output should end with %q:\n%s", tt.want, out)
			}
		})
	}
}

func TestHistoryCommand_RejectsUnknownKind(t *testing.T) {
	db := seedHistory(t)
	if _, err := runCLI(t, "history", "--db", db, "--kind", "tcp"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestHistoryCommand_JSON(t *testing.T) {
	db := seedHistory(t)

	out, err := runCLI(t, "history", "--db", db, "--kind", "http", "--json")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	dec := json.NewDecoder(strings.NewReader(out))
	var ids []string
	for dec.More() {
		var rec recordJSON
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if rec.Kind != "http" {
			t.Errorf("kind = %q, want http", rec.Kind)
		}
		ids = append(ids, rec.ID)
	}
	if got := strings.Join(ids, ","); got != "rec-http,rec-old" {
		t.Errorf("ids = %s", got)
	}
}

func TestHistoryShow(t *testing.T) {
	db := seedHistory(t)

	out, err := runCLI(t, "history", "show", "rec-ws", "--db", db)
	if err != nil {
		t.Fatalf("history show error = %v", err)
	}
	var rec recordJSON
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if rec.Label != "ws: /live" || rec.Detail != "dial tcp: connection refused" {
		t.Errorf("record = %+v", rec)
	}

	_, err = runCLI(t, "history", "show", "missing", "--db", db)
	if err == nil || !strings.Contains(err.Error(), "no record with id missing") {
		t.Errorf("show missing error = %v", err)
	}
}

func TestHistoryPrune(t *testing.T) {
	db := seedHistory(t)

	out, err := runCLI(t, "history", "prune", "--db", db)
	if err != nil {
		t.Fatalf("history prune error = %v", err)
	}
	if out != "deleted 1 expired records\n" {
		t.Errorf("output = %q", out)
	}

	out, err = runCLI(t, "history", "--db", db)
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if strings.Contains(out, "GET /old") {
		t.Errorf("expired record still listed:\n%s", out)
	}
}
