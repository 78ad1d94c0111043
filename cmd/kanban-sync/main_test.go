package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"kanban-sync/internal/api"
	"kanban-sync/internal/client"
	"kanban-sync/internal/domain"
)

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		name     string
		conn     string
		wantAddr string
		wantPass string
		wantTLS  bool
		wantErr  bool
	}{
		{name: "url", conn: "redis://:secret@localhost:6380/0", wantAddr: "localhost:6380", wantPass: "secret"},
		{name: "connection string", conn: "cache.example:6380,password=pw,ssl=True,abortConnect=False", wantAddr: "cache.example:6380", wantPass: "pw", wantTLS: true},
		{name: "bare host", conn: "localhost:6379", wantAddr: "localhost:6379"},
		{name: "bad scheme", conn: "http://localhost", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := redisOptions(tt.conn)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", opts)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if opts.Addr != tt.wantAddr || opts.Password != tt.wantPass || (opts.TLSConfig != nil) != tt.wantTLS {
				t.Fatalf("unexpected options: addr=%s pass=%s tls=%v", opts.Addr, opts.Password, opts.TLSConfig != nil)
			}
		})
	}
}

func TestPrintChanged(t *testing.T) {
	now := time.Now()
	before := client.Snapshot{Tasks: []domain.Task{
		{ID: "a", Title: "A", Status: "todo", UpdatedAt: now},
		{ID: "b", Title: "B", Status: "todo", UpdatedAt: now},
	}}
	after := client.Snapshot{Tasks: []domain.Task{
		{ID: "c", Title: "C", Status: "todo", UpdatedAt: now},
		{ID: "a", Title: "A", Status: "done", UpdatedAt: now.Add(time.Second)},
	}}

	var buf bytes.Buffer
	printChanged(&buf, before, after)
	out := buf.String()
	for _, want := range []string{`created c "C" in todo`, `updated a "A" in done`, "deleted b"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestPrintBoardGroupsByStatus(t *testing.T) {
	var buf bytes.Buffer
	printBoard(&buf, client.Snapshot{
		Connected: true,
		Statuses:  []string{"todo", "done"},
		Tasks: []domain.Task{
			{ID: "a", Title: "first", Status: "done"},
			{ID: "b", Title: "second", Status: "todo"},
		},
	})
	out := buf.String()
	todo, done := strings.Index(out, "[todo]"), strings.Index(out, "[done]")
	if todo < 0 || done < 0 || !(todo < strings.Index(out, "second") && strings.Index(out, "second") < done && done < strings.Index(out, "first")) {
		t.Fatalf("unexpected board layout:\n%s", out)
	}
}

func TestMintTokensRoundTripThroughSharedSecretAuth(t *testing.T) {
	subs := subjects(3, "perf", 5, nil)
	if len(subs) != 3 || subs[0] != "perf-5" || subs[2] != "perf-7" {
		t.Fatalf("unexpected subjects: %v", subs)
	}
	tokens, err := mintTokens([]byte("secret"), subs, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	auth := api.NewSharedSecretAuth([]byte("secret"))
	for i, tok := range tokens {
		sub, err := auth.SubjectFromAuthHeader("Bearer " + tok)
		if err != nil || sub != subs[i] {
			t.Fatalf("token %d: sub=%q err=%v", i, sub, err)
		}
	}
	if got := subjects(1, "local-user", 1, []string{"alice"}); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("explicit subject ignored: %v", got)
	}
}
