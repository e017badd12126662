package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/duorou/mcs/pkg/resource"
	"github.com/duorou/mcs/pkg/task"
)

type funcTask struct {
	task.Base
	fn func() task.Result
}

func newFuncTask(id string, p task.Priority, fn func() task.Result) *funcTask {
	b := task.NewBase(id, id, p)
	return &funcTask{Base: b, fn: fn}
}

func (t *funcTask) Execute() task.Result { return t.fn() }

// TestPriorityOrdering exercises a representative priority-dispatch
// scenario: a single worker, tasks A(LOW, sleeps 50ms), B(HIGH),
// C(NORMAL), D(URGENT) submitted in that order. A is already running by
// the time the rest queue up, so completion order must be A, D, B, C.
func TestPriorityOrdering(t *testing.T) {
	e := New(nil)
	e.Initialize(1)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	var mu sync.Mutex
	var order []string
	record := func(id string) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}

	started := make(chan struct{})
	a := newFuncTask("A", task.Low, func() task.Result {
		close(started)
		time.Sleep(50 * time.Millisecond)
		record("A")
		return task.Result{Success: true}
	})
	if err := e.SubmitTask(a); err != nil {
		t.Fatal(err)
	}
	<-started

	b := newFuncTask("B", task.High, func() task.Result { record("B"); return task.Result{Success: true} })
	c := newFuncTask("C", task.Normal, func() task.Result { record("C"); return task.Result{Success: true} })
	d := newFuncTask("D", task.Urgent, func() task.Result { record("D"); return task.Result{Success: true} })
	for _, tk := range []task.Task{b, c, d} {
		if err := e.SubmitTask(tk); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	for _, id := range []string{"A", "B", "C", "D"} {
		r := e.WaitForTask(ctx, id, 2*time.Second)
		if !r.Success {
			t.Fatalf("task %s did not succeed: %+v", id, r)
		}
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	want := []string{"A", "D", "B", "C"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

// TestCooperativeCancellation exercises cooperative cancellation: a
// long-running task observes IsCancelled and exits early instead of
// running to completion.
func TestCooperativeCancellation(t *testing.T) {
	e := New(nil)
	e.Initialize(1)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	started := make(chan struct{})
	var tk *funcTask
	tk = newFuncTask("longrunning", task.Normal, func() task.Result {
		close(started)
		for i := 0; i < 200; i++ {
			if tk.IsCancelled() {
				return task.Result{Success: false, Message: "cancelled"}
			}
			time.Sleep(5 * time.Millisecond)
		}
		return task.Result{Success: true}
	})

	if err := e.SubmitTask(tk); err != nil {
		t.Fatal(err)
	}
	<-started
	if !e.CancelTask("longrunning") {
		t.Fatal("expected CancelTask to find the running task")
	}

	r := e.WaitForTask(context.Background(), "longrunning", 2*time.Second)
	if r.Success {
		t.Fatal("expected cancellation to prevent success")
	}
	status, ok := e.GetTaskStatus("longrunning")
	if !ok || status != task.Cancelled {
		t.Fatalf("expected Cancelled status, got %v (ok=%v)", status, ok)
	}
}

func TestSubmitDuplicateIDRejected(t *testing.T) {
	e := New(nil)
	e.Initialize(1)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	t1 := newFuncTask("dup", task.Normal, func() task.Result { return task.Result{Success: true} })
	t2 := newFuncTask("dup", task.Normal, func() task.Result { return task.Result{Success: true} })
	if err := e.SubmitTask(t1); err != nil {
		t.Fatal(err)
	}
	if err := e.SubmitTask(t2); err == nil {
		t.Fatal("expected duplicate id rejection")
	}
}

// TestSubmitWithResourcesReleasesOnFailure verifies that when a later
// resource in the list cannot be acquired, every resource already taken
// for this task is released rather than leaked.
func TestSubmitWithResourcesReleasesOnFailure(t *testing.T) {
	e := New(nil)
	e.Initialize(1)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	rm := e.ResourceManager()
	if err := rm.Register(resource.Info{ID: "only_slot", Type: resource.GPUMemory, Capacity: 1}); err != nil {
		t.Fatal(err)
	}
	// Pre-hold the second resource exclusively so acquisition fails fast.
	ok, err := rm.AcquireLock(context.Background(), ResourceCPUCores, "blocker", resource.Exclusive, 0)
	if err != nil || !ok {
		t.Fatalf("pre-acquire cpu_cores: ok=%v err=%v", ok, err)
	}

	tk := newFuncTask("needs-both", task.Normal, func() task.Result { return task.Result{Success: true} })
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = e.SubmitTaskWithResources(ctx, tk, []string{"only_slot", ResourceCPUCores}, resource.Exclusive)
	if err == nil {
		t.Fatal("expected acquisition to fail")
	}

	// only_slot must have been released since the overall submit failed.
	ok, err = rm.AcquireLock(context.Background(), "only_slot", "someone-else", resource.Exclusive, 0)
	if err != nil || !ok {
		t.Fatalf("expected only_slot to be free after failed submit: ok=%v err=%v", ok, err)
	}
}

// TestMultipleCompletionCallbacksAllRun verifies a second registered
// callback still runs even if an earlier one panics, matching the
// independent-subscriber model adminapi and taskarchive both rely on.
func TestMultipleCompletionCallbacksAllRun(t *testing.T) {
	e := New(nil)
	e.Initialize(1)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	var mu sync.Mutex
	var secondRan bool
	var gotName string
	var gotStatus task.Status

	e.AddTaskCompletionCallback(func(id, name string, status task.Status, r task.Result) {
		panic("first subscriber misbehaves")
	})
	e.AddTaskCompletionCallback(func(id, name string, status task.Status, r task.Result) {
		mu.Lock()
		defer mu.Unlock()
		secondRan = true
		gotName = name
		gotStatus = status
	})

	tk := newFuncTask("cb-task", task.Normal, func() task.Result { return task.Result{Success: true} })
	if err := e.SubmitTask(tk); err != nil {
		t.Fatal(err)
	}
	e.WaitForTask(context.Background(), "cb-task", time.Second)

	mu.Lock()
	defer mu.Unlock()
	if !secondRan {
		t.Fatal("second callback never ran after first panicked")
	}
	if gotName != "cb-task" {
		t.Fatalf("name = %q, want cb-task", gotName)
	}
	if gotStatus != task.Completed {
		t.Fatalf("status = %v, want Completed", gotStatus)
	}
}
