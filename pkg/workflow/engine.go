// Package workflow implements the WorkflowEngine: a priority task
// dispatcher coupled to a resource.Manager, supporting plain and
// resource-qualified submission, cooperative cancellation and an opt-in
// model-switch optimization.
package workflow

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duorou/mcs/internal/mcserr"
	"github.com/duorou/mcs/internal/mcslog"
	"github.com/duorou/mcs/internal/metrics"
	"github.com/duorou/mcs/pkg/resource"
	"github.com/duorou/mcs/pkg/task"
)

// Default resources pre-registered by Start, matching the source's
// hard-coded bootstrap set.
const (
	ResourceLlamaModel           = "llama_model"
	ResourceStableDiffusionModel = "stable_diffusion_model"
	ResourceGPUMemory            = "gpu_memory"
	ResourceCPUCores             = "cpu_cores"
)

type heldResource struct {
	id   string
	mode resource.Mode
}

// Engine is the WorkflowEngine.
type Engine struct {
	log mcslog.Logger
	rm  *resource.Manager

	mu    sync.Mutex
	cond  *sync.Cond
	queue *priorityQueue

	tasksMu  sync.Mutex
	allTasks map[string]task.Task

	resultsMu   sync.Mutex
	results     map[string]task.Result
	completions map[string]chan struct{}

	taskResourcesMu sync.Mutex
	taskResources   map[string][]heldResource

	workerCount  int
	initialized  bool
	running      atomic.Bool
	stopReq      atomic.Bool
	runningCount atomic.Int64
	completedCnt atomic.Int64

	optimizeModelSwitch atomic.Bool
	currentModel        atomic.Value // string

	completionCallbacks []func(id, name string, status task.Status, r task.Result)
	callbackMu          sync.Mutex

	workers sync.WaitGroup
}

// New constructs an Engine bound to its own resource.Manager.
func New(log mcslog.Logger) *Engine {
	if log == nil {
		log = mcslog.Nop()
	}
	e := &Engine{
		log:           log,
		rm:            resource.New(log),
		queue:         newPriorityQueue(),
		allTasks:      make(map[string]task.Task),
		results:       make(map[string]task.Result),
		completions:   make(map[string]chan struct{}),
		taskResources: make(map[string][]heldResource),
	}
	e.cond = sync.NewCond(&e.mu)
	e.currentModel.Store("")
	return e
}

// ResourceManager exposes the engine's bound resource.Manager.
func (e *Engine) ResourceManager() *resource.Manager { return e.rm }

// OptimizeModelSwitching toggles the model-switch optimization.
func (e *Engine) OptimizeModelSwitching(enable bool) { e.optimizeModelSwitch.Store(enable) }

// IsModelSwitchingOptimized reports the current setting.
func (e *Engine) IsModelSwitchingOptimized() bool { return e.optimizeModelSwitch.Load() }

// Initialize sets the worker pool size; 0 defaults to runtime.NumCPU(),
// falling back to 4 if that reports 0. Safe to call more than once.
func (e *Engine) Initialize(workerCount int) {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
		if workerCount <= 0 {
			workerCount = 4
		}
	}
	e.workerCount = workerCount
	e.initialized = true
}

// Start registers the default resource set and spawns the worker pool.
func (e *Engine) Start() error {
	if !e.initialized {
		e.Initialize(0)
	}
	for _, r := range []resource.Info{
		{ID: ResourceLlamaModel, Type: resource.Model, Name: "Llama model", Capacity: 1},
		{ID: ResourceStableDiffusionModel, Type: resource.Model, Name: "Stable Diffusion model", Capacity: 1},
		{ID: ResourceGPUMemory, Type: resource.GPUMemory, Name: "GPU memory", Capacity: 1},
		{ID: ResourceCPUCores, Type: resource.CPUMemory, Name: "CPU cores", Capacity: uint64(e.workerCount)},
	} {
		if err := e.rm.Register(r); err != nil && !mcserr.Is(err, mcserr.Conflict) {
			return err
		}
	}

	e.stopReq.Store(false)
	e.workers.Add(e.workerCount)
	for i := 0; i < e.workerCount; i++ {
		go e.workerLoop()
	}
	e.running.Store(true)
	e.log.Info("workflow engine started", "workers", e.workerCount)
	return nil
}

// Stop requests shutdown, wakes every worker, joins them, then cancels
// every remaining pending task.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopReq.Store(true)
	e.cond.Broadcast()
	e.mu.Unlock()

	e.workers.Wait()
	e.running.Store(false)

	e.mu.Lock()
	for e.queue.len() > 0 {
		t := e.queue.pop()
		t.Cancel()
	}
	e.mu.Unlock()
	e.log.Info("workflow engine stopped")
}

// IsRunning reports whether the engine is currently dispatching tasks.
func (e *Engine) IsRunning() bool { return e.running.Load() }

func (e *Engine) enqueue(t task.Task) {
	e.tasksMu.Lock()
	e.allTasks[t.ID()] = t
	e.tasksMu.Unlock()

	e.resultsMu.Lock()
	e.completions[t.ID()] = make(chan struct{})
	e.resultsMu.Unlock()

	e.mu.Lock()
	e.queue.push(t)
	e.cond.Signal()
	e.mu.Unlock()

	metrics.TasksSubmitted.WithLabelValues(fmt.Sprintf("%d", t.Priority())).Inc()
}

// SubmitTask enqueues t. Fails if the engine is not running or id
// duplicates an existing task.
func (e *Engine) SubmitTask(t task.Task) error {
	if !e.running.Load() {
		return mcserr.New(mcserr.Internal, "workflow engine is not running")
	}
	e.tasksMu.Lock()
	if _, exists := e.allTasks[t.ID()]; exists {
		e.tasksMu.Unlock()
		return mcserr.Newf(mcserr.Conflict, "duplicate task id: %s", t.ID())
	}
	e.tasksMu.Unlock()

	e.enqueue(t)
	return nil
}

// SubmitTaskWithResources acquires every listed resource for t.ID() in
// the given order before enqueueing t; on any acquisition failure the
// resources already taken are released and the task is not enqueued.
//
// The source checks the duplicate-id condition AFTER acquiring locks,
// leaking them on that path; this implementation checks duplicate-id
// first instead of preserving that bug — see DESIGN.md's Open Questions
// ledger.
func (e *Engine) SubmitTaskWithResources(ctx context.Context, t task.Task, resourceIDs []string, mode resource.Mode) error {
	if !e.running.Load() {
		return mcserr.New(mcserr.Internal, "workflow engine is not running")
	}
	e.tasksMu.Lock()
	if _, exists := e.allTasks[t.ID()]; exists {
		e.tasksMu.Unlock()
		return mcserr.Newf(mcserr.Conflict, "duplicate task id: %s", t.ID())
	}
	e.tasksMu.Unlock()

	acquired := make([]heldResource, 0, len(resourceIDs))
	for _, rid := range resourceIDs {
		ok, err := e.rm.AcquireLock(ctx, rid, t.ID(), mode, 0)
		if err != nil || !ok {
			for _, held := range acquired {
				e.rm.ReleaseLock(held.id, t.ID())
			}
			if err != nil {
				return err
			}
			return mcserr.Newf(mcserr.Timeout, "could not acquire resource %s for task %s", rid, t.ID())
		}
		acquired = append(acquired, heldResource{id: rid, mode: mode})
	}

	e.taskResourcesMu.Lock()
	e.taskResources[t.ID()] = acquired
	e.taskResourcesMu.Unlock()

	e.enqueue(t)
	return nil
}

// CancelTask marks t cancelled; a Pending task flips to Cancelled
// immediately, a Running one must observe IsCancelled itself.
func (e *Engine) CancelTask(id string) bool {
	e.tasksMu.Lock()
	t, ok := e.allTasks[id]
	e.tasksMu.Unlock()
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

func (e *Engine) workerLoop() {
	defer e.workers.Done()
	for {
		e.mu.Lock()
		for e.queue.len() == 0 && !e.stopReq.Load() {
			e.cond.Wait()
		}
		if e.queue.len() == 0 && e.stopReq.Load() {
			e.mu.Unlock()
			return
		}
		t := e.queue.pop()
		e.mu.Unlock()

		if t.IsCancelled() {
			e.finishTask(t, task.Result{Success: false, Message: "task cancelled before dispatch"})
			continue
		}
		e.executeTask(t)
	}
}

func (e *Engine) executeTask(t task.Task) {
	t.SetStatus(task.Running)
	e.runningCount.Add(1)

	if e.optimizeModelSwitch.Load() {
		if model := t.RequiredModel(); model != "" {
			if current, _ := e.currentModel.Load().(string); current != model {
				e.log.Debug("model switch", "from", current, "to", model, "task", t.ID())
				e.currentModel.Store(model)
			}
		}
	}

	start := time.Now()
	result := e.safeExecute(t)
	result.Duration = time.Since(start)

	if t.IsCancelled() {
		t.SetStatus(task.Cancelled)
		result.Success = false
		if result.Message == "" {
			result.Message = "task cancelled"
		}
	} else if !result.Success {
		t.SetStatus(task.Failed)
	} else {
		t.SetStatus(task.Completed)
	}

	metrics.TaskExecutionDuration.WithLabelValues(t.Status().String()).Observe(result.Duration.Seconds())
	e.runningCount.Add(-1)
	e.finishTask(t, result)
}

func (e *Engine) safeExecute(t task.Task) (r task.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r = task.Result{Success: false, Message: fmt.Sprintf("task panicked: %v", rec)}
		}
	}()
	return t.Execute()
}

func (e *Engine) finishTask(t task.Task, result task.Result) {
	e.resultsMu.Lock()
	e.results[t.ID()] = result
	if ch, ok := e.completions[t.ID()]; ok {
		close(ch)
		delete(e.completions, t.ID())
	}
	e.resultsMu.Unlock()

	e.completedCnt.Add(1)
	metrics.TasksCompleted.WithLabelValues(t.Status().String()).Inc()

	e.invokeCallback(t, result)
	e.releaseTaskResources(t.ID())
}

func (e *Engine) invokeCallback(t task.Task, r task.Result) {
	e.callbackMu.Lock()
	cbs := append([]func(id, name string, status task.Status, r task.Result){}, e.completionCallbacks...)
	e.callbackMu.Unlock()
	for _, cb := range cbs {
		e.invokeOneCallback(cb, t, r)
	}
}

func (e *Engine) invokeOneCallback(cb func(id, name string, status task.Status, r task.Result), t task.Task, r task.Result) {
	defer func() { _ = recover() }() // completion callback failures are swallowed
	cb(t.ID(), t.Name(), t.Status(), r)
}

func (e *Engine) releaseTaskResources(id string) {
	e.taskResourcesMu.Lock()
	held := e.taskResources[id]
	delete(e.taskResources, id)
	e.taskResourcesMu.Unlock()

	for _, h := range held {
		e.rm.ReleaseLock(h.id, id)
	}
}

// AddTaskCompletionCallback registers a callback invoked after every task
// reaches a terminal status. Multiple callbacks may be registered; each
// runs independently and a panic in one does not block the others.
func (e *Engine) AddTaskCompletionCallback(cb func(id, name string, status task.Status, r task.Result)) {
	e.callbackMu.Lock()
	e.completionCallbacks = append(e.completionCallbacks, cb)
	e.callbackMu.Unlock()
}

// GetTaskStatus returns t's status and whether t is still tracked (tasks
// dropped by CleanupCompletedTasks return ok=false; their Result remains
// available via GetTaskResult).
func (e *Engine) GetTaskStatus(id string) (task.Status, bool) {
	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()
	t, ok := e.allTasks[id]
	if !ok {
		return 0, false
	}
	return t.Status(), true
}

// GetTaskResult returns the recorded Result for id, if any.
func (e *Engine) GetTaskResult(id string) (task.Result, bool) {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	r, ok := e.results[id]
	return r, ok
}

// WaitForTask blocks until id reaches a terminal status or timeout
// elapses (0 = wait indefinitely). This replaces the source's 10ms
// polling loop with a per-task completion channel without changing the
// externally observable contract: callers still see an immediate result
// on completion and a synthetic timeout result on deadline.
func (e *Engine) WaitForTask(ctx context.Context, id string, timeout time.Duration) task.Result {
	if r, ok := e.GetTaskResult(id); ok {
		return r
	}

	e.resultsMu.Lock()
	ch, ok := e.completions[id]
	e.resultsMu.Unlock()
	if !ok {
		if r, ok := e.GetTaskResult(id); ok {
			return r
		}
		return task.Result{Success: false, Message: "unknown task"}
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ch:
		if r, ok := e.GetTaskResult(id); ok {
			return r
		}
		return task.Result{Success: false, Message: "task completed without a recorded result"}
	case <-timeoutCh:
		return task.Result{Success: false, Message: "Task wait timeout"}
	case <-ctx.Done():
		return task.Result{Success: false, Message: "Task wait timeout"}
	}
}

// PendingTaskCount returns the number of tasks currently queued.
func (e *Engine) PendingTaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.len()
}

// RunningTaskCount returns the number of tasks currently executing.
func (e *Engine) RunningTaskCount() int64 { return e.runningCount.Load() }

// CompletedTaskCount returns the number of tasks that have reached a
// terminal status since engine start.
func (e *Engine) CompletedTaskCount() int64 { return e.completedCnt.Load() }

// WorkerCount returns the configured worker pool size.
func (e *Engine) WorkerCount() int { return e.workerCount }

// CleanupCompletedTasks drops task objects in terminal states from the
// id map, keeping their recorded Results.
func (e *Engine) CleanupCompletedTasks() {
	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()
	for id, t := range e.allTasks {
		switch t.Status() {
		case task.Completed, task.Failed, task.Cancelled:
			delete(e.allTasks, id)
		}
	}
}
