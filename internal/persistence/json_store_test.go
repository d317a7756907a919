package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/microflow/microflow/pkg/api"
)

func TestJSONStore_FileLayoutAndSchema(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewJSONStateStore(dir)
	if err != nil {
		t.Fatalf("NewJSONStateStore failed: %v", err)
	}

	run := sampleRun(t, "layout-1")
	run.Status = api.RunRunning
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	path := filepath.Join(dir, "runs", "layout-1.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("run document missing at %s: %v", path, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("run document is not valid JSON: %v", err)
	}
	for _, field := range []string{"run_id", "status", "created_at", "updated_at", "ctx", "tasks"} {
		if _, ok := doc[field]; !ok {
			t.Fatalf("document missing field %q: %v", field, doc)
		}
	}
	if doc["status"] != "running" {
		t.Fatalf("expected lowercase status, got %v", doc["status"])
	}

	// Timestamps must parse as RFC 3339 UTC.
	created, ok := doc["created_at"].(string)
	if !ok {
		t.Fatalf("created_at is not a string: %v", doc["created_at"])
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		t.Fatalf("created_at is not RFC 3339: %v", err)
	}
	if ts.Location() != time.UTC {
		t.Fatalf("created_at is not UTC: %v", ts)
	}

	tasks, ok := doc["tasks"].([]any)
	if !ok || len(tasks) != 2 {
		t.Fatalf("unexpected tasks array: %v", doc["tasks"])
	}
	first, _ := tasks[0].(map[string]any)
	for _, field := range []string{"name", "status", "attempts", "started_at", "ended_at", "output", "error"} {
		if _, ok := first[field]; !ok {
			t.Fatalf("task entry missing field %q: %v", field, first)
		}
	}
}

func TestJSONStore_NoTempFileLeftBehind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewJSONStateStore(dir)
	if err != nil {
		t.Fatalf("NewJSONStateStore failed: %v", err)
	}

	run := sampleRun(t, "tmp-1")
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := store.UpdateCtx(ctx, "tmp-1", api.Context{"i": i}); err != nil {
			t.Fatalf("UpdateCtx failed: %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "runs"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestJSONStore_RejectsPathTraversalRunID(t *testing.T) {
	store, err := NewJSONStateStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONStateStore failed: %v", err)
	}

	run := sampleRun(t, "ok")
	run.RunID = "../escape"
	if err := store.SaveRun(context.Background(), run); err == nil {
		t.Fatal("expected path traversal rejection")
	}
}

func TestJSONStore_CleanupOldRuns(t *testing.T) {
	ctx := context.Background()
	store, err := NewJSONStateStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONStateStore failed: %v", err)
	}

	old := sampleRun(t, "old-1")
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	recent := sampleRun(t, "recent-1")

	if err := store.SaveRun(ctx, old); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := store.SaveRun(ctx, recent); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	deleted, err := store.CleanupOldRuns(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldRuns failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}
	if _, err := store.LoadRun(ctx, "recent-1"); err != nil {
		t.Fatalf("recent run should survive: %v", err)
	}
}
