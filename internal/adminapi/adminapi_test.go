package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/duorou/mcs/internal/mcslog"
	"github.com/duorou/mcs/pkg/resource"
	"github.com/duorou/mcs/pkg/workflow"
)

func TestHandleStatus(t *testing.T) {
	engine := workflow.New(mcslog.Nop())
	engine.Initialize(2)
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	srv := New(mcslog.Nop(), engine, NewHub())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var got statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !got.Running || got.WorkerCount != 2 {
		t.Fatalf("unexpected status response: %+v", got)
	}
}

func TestHandleResources(t *testing.T) {
	engine := workflow.New(mcslog.Nop())
	engine.Initialize(1)
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	srv := New(mcslog.Nop(), engine, NewHub())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/resources")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got []resourceResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("expected default resources registered by Start")
	}
}

func TestHandleResourceStats(t *testing.T) {
	engine := workflow.New(mcslog.Nop())
	engine.Initialize(1)
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	srv := New(mcslog.Nop(), engine, NewHub())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/resources/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got map[string]uint64
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["total_resources"] == 0 {
		t.Fatalf("expected nonzero total_resources, got %+v", got)
	}
}

func TestHandleTaskMissing(t *testing.T) {
	engine := workflow.New(mcslog.Nop())
	engine.Initialize(1)
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	srv := New(mcslog.Nop(), engine, NewHub())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tasks/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

// TestResourceAvailabilityPublishesEvent verifies New wires the resource
// manager's availability callback onto the hub, not just the engine's
// task-completion callback.
func TestResourceAvailabilityPublishesEvent(t *testing.T) {
	engine := workflow.New(mcslog.Nop())
	engine.Initialize(1)
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	hub := NewHub()
	_ = New(mcslog.Nop(), engine, hub)

	ch, unsub := hub.Subscribe(8)
	defer unsub()

	rm := engine.ResourceManager()
	ok, err := rm.AcquireLock(context.Background(), workflow.ResourceCPUCores, "holder-1", resource.Exclusive, 0)
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != "resource" || ev.ResourceID != workflow.ResourceCPUCores || ev.Available == nil || *ev.Available {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resource availability event")
	}

	if !rm.ReleaseLock(workflow.ResourceCPUCores, "holder-1") {
		t.Fatal("ReleaseLock failed")
	}

	select {
	case ev := <-ch:
		if ev.Kind != "resource" || ev.ResourceID != workflow.ResourceCPUCores || ev.Available == nil || !*ev.Available {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resource availability event")
	}
}
