package taskarchive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/duorou/mcs/pkg/task"
)

func TestRecordAndGet(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "archive.db")
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	result := task.Result{
		Success:  true,
		Message:  "done",
		Output:   "ok",
		Duration: 150 * time.Millisecond,
		Data:     map[string]interface{}{"k": "v"},
	}
	if err := store.Record(ctx, "t1", "sample-task", task.Completed, result); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entry, ok, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if entry.Name != "sample-task" || !entry.Success || entry.Message != "done" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Data["k"] != "v" {
		t.Fatalf("unexpected data: %+v", entry.Data)
	}
}

func TestRecordUpsert(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "archive.db")
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Record(ctx, "t1", "a", task.Running, task.Result{}); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, "t1", "a", task.Completed, task.Result{Success: true}); err != nil {
		t.Fatal(err)
	}
	entry, ok, err := store.Get(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("Get: %v %v", ok, err)
	}
	if entry.Status != "COMPLETED" || !entry.Success {
		t.Fatalf("expected upsert to latest status, got %+v", entry)
	}
}

func TestGetMissing(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "archive.db")
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_, ok, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected missing entry")
	}
}
