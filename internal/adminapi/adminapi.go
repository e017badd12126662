// Package adminapi exposes read-only HTTP endpoints over the workflow
// engine and resource manager, plus a websocket stream of task-lifecycle
// and resource-availability events for dashboards that want push updates instead of polling, via
// gorilla/websocket's server-side websocket.Upgrader.
package adminapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duorou/mcs/internal/mcslog"
	"github.com/duorou/mcs/pkg/resource"
	"github.com/duorou/mcs/pkg/task"
	"github.com/duorou/mcs/pkg/workflow"
)

// Event is one notification broadcast to websocket subscribers: either a
// task-lifecycle transition (Kind "task") or a resource availability
// flip (Kind "resource").
type Event struct {
	Kind       string    `json:"kind"`
	TaskID     string    `json:"task_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	Available  *bool     `json:"available,omitempty"`
	At         time.Time `json:"at"`
}

// Hub is an in-memory pub/sub of Events, carrying typed Events instead
// of raw bytes since every subscriber here wants the same JSON shape.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish fans ev out to every current subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking the publisher.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new buffered channel and returns it with an
// unsubscribe function.
func (h *Hub) Subscribe(buf int) (chan Event, func()) {
	if buf <= 0 {
		buf = 32
	}
	ch := make(chan Event, buf)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}
}

// Server serves the admin HTTP/websocket API.
type Server struct {
	log    mcslog.Logger
	engine *workflow.Engine
	rm     *resource.Manager
	hub    *Hub

	upgrader websocket.Upgrader
}

// New constructs a Server and wires itself to the engine's task-completion
// callback and the resource manager's availability callback so both are
// published onto hub.
func New(log mcslog.Logger, engine *workflow.Engine, hub *Hub) *Server {
	if log == nil {
		log = mcslog.Nop()
	}
	rm := engine.ResourceManager()
	s := &Server{
		log:    log,
		engine: engine,
		rm:     rm,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served cross-origin from an admin UI in
			// practice; this is an internal operator tool, not a public
			// surface, so origin checking is intentionally permissive.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	engine.AddTaskCompletionCallback(func(id, _ string, _ task.Status, r task.Result) {
		status := "COMPLETED"
		if !r.Success {
			status = "FAILED"
		}
		hub.Publish(Event{Kind: "task", TaskID: id, Status: status, At: time.Now()})
	})
	rm.OnAvailabilityChange(func(id string, available bool) {
		hub.Publish(Event{Kind: "resource", ResourceID: id, Available: &available, At: time.Now()})
	})
	return s
}

// Handler returns the http.Handler serving every admin endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /resources", s.handleResources)
	mux.HandleFunc("GET /resources/stats", s.handleResourceStats)
	mux.HandleFunc("GET /tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	return mux
}

type statusResponse struct {
	Running        bool  `json:"running"`
	PendingTasks   int   `json:"pending_tasks"`
	RunningTasks   int64 `json:"running_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	WorkerCount    int   `json:"worker_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Running:        s.engine.IsRunning(),
		PendingTasks:   s.engine.PendingTaskCount(),
		RunningTasks:   s.engine.RunningTaskCount(),
		CompletedTasks: s.engine.CompletedTaskCount(),
		WorkerCount:    s.engine.WorkerCount(),
	}
	writeJSON(w, http.StatusOK, resp)
}

type resourceResponse struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Name        string  `json:"name"`
	Capacity    uint64  `json:"capacity"`
	Used        uint64  `json:"used"`
	Available   bool    `json:"available"`
	Utilization float64 `json:"utilization"`
	Waiters     int     `json:"waiters"`
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	var out []resourceResponse
	for _, t := range []resource.Type{resource.Model, resource.GPUMemory, resource.CPUMemory, resource.ComputeUnit, resource.Storage, resource.Network} {
		for _, id := range s.rm.List(t) {
			info := s.rm.GetInfo(id)
			out = append(out, resourceResponse{
				ID:          info.ID,
				Type:        string(info.Type),
				Name:        info.Name,
				Capacity:    info.Capacity,
				Used:        info.Used,
				Available:   info.Available,
				Utilization: s.rm.Utilization(id),
				Waiters:     s.rm.WaitingQueueLength(id),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResourceStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rm.Statistics())
}

type taskResponse struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Result *task.Result `json:"result,omitempty"`
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, ok := s.engine.GetTaskStatus(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	resp := taskResponse{ID: id, Status: status.String()}
	if result, ok := s.engine.GetTaskResult(id); ok {
		resp.Result = &result
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := s.hub.Subscribe(0)
	defer unsub()

	// Drain client pings/closes on a reader goroutine; admin dashboards
	// don't send commands over this socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
