// Package resource implements the ResourceManager: a registry of named,
// typed resources supporting shared/exclusive locking, capacity-based
// reservations, expiry sweeping and a deadlock heuristic.
//
// The lock ordering contract, mirrored from the original duorou engine,
// is resources -> locks -> reservations whenever more than one of the
// three internal mutexes must be held at once. Violating that order is a
// design defect.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/duorou/mcs/internal/mcserr"
	"github.com/duorou/mcs/internal/mcslog"
	"github.com/duorou/mcs/internal/metrics"
)

// Type enumerates the kinds of resource this manager tracks.
type Type string

const (
	Model       Type = "MODEL"
	GPUMemory   Type = "GPU_MEMORY"
	CPUMemory   Type = "CPU_MEMORY"
	ComputeUnit Type = "COMPUTE_UNIT"
	Storage     Type = "STORAGE"
	Network     Type = "NETWORK"
)

// Mode is the lock mode requested against a resource.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// defaultLockTimeout is recorded with every lock for expiry-sweep
// purposes when the caller requests an indefinite wait.
const defaultLockTimeout = 5 * time.Minute

// sweepInterval matches the 30s cadence of the background cleanup thread.
const sweepInterval = 30 * time.Second

// deadlockWaiterThreshold is the conservative "wait queue too long" bound
// used by the deadlock heuristic below: real cycle detection is out of
// scope, this only flags a resource with an implausibly long wait queue.
const deadlockWaiterThreshold = 10

// Info describes a registered resource's static and live attributes.
type Info struct {
	ID           string
	Type         Type
	Name         string
	Capacity     uint64
	Used         uint64
	Available    bool
	LastAccessed time.Time
	Holders      map[string]struct{}
}

// Lock records one held acquisition.
type Lock struct {
	ResourceID   string
	HolderID     string
	Mode         Mode
	AcquiredTime time.Time
	Timeout      time.Duration
}

// Reservation records one held capacity reservation.
type Reservation struct {
	ResourceID   string
	RequesterID  string
	Amount       uint64
	ReservedTime time.Time
	Duration     time.Duration
}

// Manager is the ResourceManager: the registry plus lock/reservation
// bookkeeping and the background expiry sweep.
type Manager struct {
	log mcslog.Logger

	resourcesMu sync.Mutex
	resources   map[string]*Info

	// locksMu guards locks, conds and waitCounts together. Every
	// per-resource sync.Cond shares locksMu as its Locker so that
	// cond.Wait() atomically releases/reacquires the same mutex the
	// compatibility check runs under, closing the lost-wakeup window
	// that a separate per-resource mutex would open.
	locksMu    sync.Mutex
	locks      map[string][]Lock
	conds      map[string]*sync.Cond
	waitCounts map[string]int

	reservationsMu sync.Mutex
	reservations   map[string][]Reservation

	callbackMu     sync.Mutex
	statusCallback func(id string, available bool)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Manager and starts its background sweep goroutine.
func New(log mcslog.Logger) *Manager {
	if log == nil {
		log = mcslog.Nop()
	}
	m := &Manager{
		log:          log,
		resources:    make(map[string]*Info),
		locks:        make(map[string][]Lock),
		conds:        make(map[string]*sync.Cond),
		waitCounts:   make(map[string]int),
		reservations: make(map[string][]Reservation),
		stopCh:       make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Close stops the background sweep goroutine. It is safe to call more
// than once.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.CleanupExpiredLocks()
			if m.DetectDeadlock() {
				m.log.Warn("deadlock heuristic tripped, consider manual intervention")
			}
		}
	}
}

// OnAvailabilityChange registers a callback that AcquireLock and
// ReleaseLock fire when a resource transitions between "no locks held"
// (available) and "at least one lock held" (unavailable). Locks dropped
// by ForceReleaseHolderLocks, CleanupExpiredLocks or Unregister do not
// fire it. Panics inside cb are swallowed.
func (m *Manager) OnAvailabilityChange(cb func(id string, available bool)) {
	m.callbackMu.Lock()
	m.statusCallback = cb
	m.callbackMu.Unlock()
}

func (m *Manager) notifyAvailability(resourceID string, available bool) {
	m.callbackMu.Lock()
	cb := m.statusCallback
	m.callbackMu.Unlock()
	if cb == nil {
		return
	}
	defer func() { _ = recover() }()
	cb(resourceID, available)
}

// Register adds a resource to the registry. It fails with Conflict if the
// id already exists.
func (m *Manager) Register(info Info) error {
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()

	if _, exists := m.resources[info.ID]; exists {
		return mcserr.Newf(mcserr.Conflict, "resource already registered: %s", info.ID)
	}
	cp := info
	cp.LastAccessed = time.Now()
	if cp.Holders == nil {
		cp.Holders = make(map[string]struct{})
	}
	if !cp.Available {
		cp.Available = true
	}
	m.resources[info.ID] = &cp
	m.log.Info("resource registered", "id", info.ID, "name", info.Name)
	return nil
}

// Unregister removes a resource, force-dropping its locks and
// reservations and waking every waiter on it.
func (m *Manager) Unregister(id string) bool {
	m.resourcesMu.Lock()
	m.locksMu.Lock()
	m.reservationsMu.Lock()
	defer m.reservationsMu.Unlock()
	defer m.locksMu.Unlock()
	defer m.resourcesMu.Unlock()

	if _, ok := m.resources[id]; !ok {
		return false
	}
	delete(m.locks, id)
	delete(m.reservations, id)
	if cond, ok := m.conds[id]; ok {
		cond.Broadcast()
		delete(m.conds, id)
		delete(m.waitCounts, id)
	}
	delete(m.resources, id)
	m.log.Info("resource unregistered", "id", id)
	return true
}

// condFor returns the sync.Cond for resourceID, creating it (backed by
// locksMu) on first use. Caller must hold locksMu.
func (m *Manager) condFor(resourceID string) *sync.Cond {
	cond, ok := m.conds[resourceID]
	if !ok {
		cond = sync.NewCond(&m.locksMu)
		m.conds[resourceID] = cond
	}
	return cond
}

// isLockCompatible reports whether mode can be granted given the locks
// currently held on resourceID. Caller must hold locksMu.
func (m *Manager) isLockCompatible(resourceID string, mode Mode) bool {
	existing := m.locks[resourceID]
	if len(existing) == 0 {
		return true
	}
	if mode == Shared {
		for _, l := range existing {
			if l.Mode == Exclusive {
				return false
			}
		}
		return true
	}
	return false
}

// AcquireLock blocks until mode is compatible with the resource's current
// locks or timeout elapses. timeout <= 0 waits indefinitely. If ctx is
// done before or during a wait, AcquireLock returns a Cancelled error.
func (m *Manager) AcquireLock(ctx context.Context, resourceID, holderID string, mode Mode, timeout time.Duration) (bool, error) {
	m.resourcesMu.Lock()
	_, exists := m.resources[resourceID]
	m.resourcesMu.Unlock()
	if !exists {
		return false, mcserr.Newf(mcserr.NotFound, "resource not found: %s", resourceID)
	}

	hasDeadline := timeout > 0
	var deadline time.Time
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	waitStart := time.Now()
	m.locksMu.Lock()
	cond := m.condFor(resourceID)
	// Wake the wait below when ctx is done so the loop's ctx check runs;
	// taking locksMu orders the broadcast after a waiter's check.
	stopCtxWake := context.AfterFunc(ctx, func() {
		m.locksMu.Lock()
		cond.Broadcast()
		m.locksMu.Unlock()
	})
	defer stopCtxWake()

	for !m.isLockCompatible(resourceID, mode) {
		select {
		case <-ctx.Done():
			m.locksMu.Unlock()
			return false, mcserr.Wrap(mcserr.Cancelled, ctx.Err(), "lock wait cancelled")
		default:
		}

		m.waitCounts[resourceID]++
		metrics.ResourceWaiters.WithLabelValues(resourceID).Set(float64(m.waitCounts[resourceID]))

		var timer *time.Timer
		if hasDeadline {
			timer = time.AfterFunc(time.Until(deadline), cond.Broadcast)
		}
		// cond.Wait atomically unlocks locksMu and blocks, then
		// reacquires locksMu before returning — no window where a
		// release between our compatibility check and the wait call
		// could be missed.
		cond.Wait()
		if timer != nil {
			timer.Stop()
		}

		m.waitCounts[resourceID]--
		metrics.ResourceWaiters.WithLabelValues(resourceID).Set(float64(m.waitCounts[resourceID]))

		if hasDeadline && !time.Now().Before(deadline) && !m.isLockCompatible(resourceID, mode) {
			m.locksMu.Unlock()
			m.log.Warn("lock acquisition timeout", "resource", resourceID, "holder", holderID)
			return false, nil
		}
	}

	lockTimeout := timeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	wasFree := len(m.locks[resourceID]) == 0
	lock := Lock{
		ResourceID:   resourceID,
		HolderID:     holderID,
		Mode:         mode,
		AcquiredTime: time.Now(),
		Timeout:      lockTimeout,
	}
	m.locks[resourceID] = append(m.locks[resourceID], lock)
	m.locksMu.Unlock()

	if wasFree {
		m.notifyAvailability(resourceID, false)
	}

	m.resourcesMu.Lock()
	if r, ok := m.resources[resourceID]; ok {
		r.Holders[holderID] = struct{}{}
		r.LastAccessed = time.Now()
	}
	m.resourcesMu.Unlock()

	metrics.LockWaitDuration.WithLabelValues(resourceID, mode.String()).Observe(time.Since(waitStart).Seconds())
	m.log.Debug("lock acquired", "resource", resourceID, "holder", holderID, "mode", mode.String())
	return true, nil
}

// ReleaseLock removes the first lock matching holderID on resourceID and
// wakes all waiters.
func (m *Manager) ReleaseLock(resourceID, holderID string) bool {
	m.locksMu.Lock()
	locks, ok := m.locks[resourceID]
	if !ok {
		m.locksMu.Unlock()
		return false
	}
	idx := -1
	for i, l := range locks {
		if l.HolderID == holderID {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.locksMu.Unlock()
		return false
	}
	m.locks[resourceID] = append(locks[:idx], locks[idx+1:]...)
	nowFree := len(m.locks[resourceID]) == 0
	cond := m.condFor(resourceID)
	cond.Broadcast()
	m.locksMu.Unlock()

	m.resourcesMu.Lock()
	if r, ok := m.resources[resourceID]; ok {
		delete(r.Holders, holderID)
	}
	m.resourcesMu.Unlock()

	if nowFree {
		m.notifyAvailability(resourceID, true)
	}

	m.log.Debug("lock released", "resource", resourceID, "holder", holderID)
	return true
}

// ReserveResource increments used by amount if doing so would not exceed
// capacity.
func (m *Manager) ReserveResource(resourceID, requesterID string, amount uint64, duration time.Duration) error {
	m.reservationsMu.Lock()
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()
	defer m.reservationsMu.Unlock()

	r, ok := m.resources[resourceID]
	if !ok {
		return mcserr.Newf(mcserr.NotFound, "resource not found: %s", resourceID)
	}
	if r.Used+amount > r.Capacity {
		return mcserr.Newf(mcserr.CapacityExceeded, "insufficient capacity on %s", resourceID)
	}

	if duration <= 0 {
		duration = 30 * time.Second
	}
	m.reservations[resourceID] = append(m.reservations[resourceID], Reservation{
		ResourceID:   resourceID,
		RequesterID:  requesterID,
		Amount:       amount,
		ReservedTime: time.Now(),
		Duration:     duration,
	})
	r.Used += amount
	return nil
}

// ReleaseReservation reverses ReserveResource for requesterID.
func (m *Manager) ReleaseReservation(resourceID, requesterID string) bool {
	m.reservationsMu.Lock()
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()
	defer m.reservationsMu.Unlock()

	list, ok := m.reservations[resourceID]
	if !ok {
		return false
	}
	idx := -1
	for i, r := range list {
		if r.RequesterID == requesterID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}
	amount := list[idx].Amount
	m.reservations[resourceID] = append(list[:idx], list[idx+1:]...)
	if r, ok := m.resources[resourceID]; ok {
		r.Used -= amount
	}
	return true
}

// IsResourceAvailable reports whether resourceID exists, is marked
// available, and mode is currently grantable.
func (m *Manager) IsResourceAvailable(resourceID string, mode Mode) bool {
	m.resourcesMu.Lock()
	r, ok := m.resources[resourceID]
	avail := ok && r.Available
	m.resourcesMu.Unlock()
	if !avail {
		return false
	}
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	return m.isLockCompatible(resourceID, mode)
}

// GetInfo returns a copy of a resource's info, or zero Info if absent.
func (m *Manager) GetInfo(resourceID string) Info {
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()
	if r, ok := m.resources[resourceID]; ok {
		return *r
	}
	return Info{}
}

// Utilization returns used/capacity in [0,1], or 0 if capacity is 0.
func (m *Manager) Utilization(resourceID string) float64 {
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok || r.Capacity == 0 {
		return 0
	}
	return float64(r.Used) / float64(r.Capacity)
}

// List returns the ids of all registered resources of the given type.
func (m *Manager) List(t Type) []string {
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()
	var out []string
	for id, r := range m.resources {
		if r.Type == t {
			out = append(out, id)
		}
	}
	return out
}

// CleanupExpiredLocks drops locks and reservations whose timeout has
// elapsed, restoring Used for expired reservations.
func (m *Manager) CleanupExpiredLocks() {
	now := time.Now()

	m.locksMu.Lock()
	for id, locks := range m.locks {
		kept := locks[:0]
		for _, l := range locks {
			if now.Sub(l.AcquiredTime) <= l.Timeout {
				kept = append(kept, l)
			}
		}
		m.locks[id] = kept
	}
	m.locksMu.Unlock()

	m.reservationsMu.Lock()
	m.resourcesMu.Lock()
	for id, list := range m.reservations {
		kept := list[:0]
		var released uint64
		for _, res := range list {
			if now.Sub(res.ReservedTime) > res.Duration {
				released += res.Amount
				continue
			}
			kept = append(kept, res)
		}
		m.reservations[id] = kept
		if released > 0 {
			if r, ok := m.resources[id]; ok {
				if released > r.Used {
					r.Used = 0
				} else {
					r.Used -= released
				}
			}
		}
	}
	m.resourcesMu.Unlock()
	m.reservationsMu.Unlock()
}

// Statistics returns coarse counters over the current registry state.
func (m *Manager) Statistics() map[string]uint64 {
	m.resourcesMu.Lock()
	totalResources := uint64(len(m.resources))
	m.resourcesMu.Unlock()

	m.locksMu.Lock()
	var totalLocks, totalWaiting uint64
	for _, l := range m.locks {
		totalLocks += uint64(len(l))
	}
	for _, n := range m.waitCounts {
		totalWaiting += uint64(n)
	}
	m.locksMu.Unlock()

	return map[string]uint64{
		"total_resources": totalResources,
		"total_locks":     totalLocks,
		"total_waiting":   totalWaiting,
	}
}

// ForceReleaseHolderLocks drops every lock held by holderID across every
// resource and returns the number released.
func (m *Manager) ForceReleaseHolderLocks(holderID string) int {
	m.locksMu.Lock()
	var released int
	var woken []string
	for id, locks := range m.locks {
		kept := locks[:0]
		before := len(locks)
		for _, l := range locks {
			if l.HolderID != holderID {
				kept = append(kept, l)
			}
		}
		m.locks[id] = kept
		if len(kept) != before {
			released += before - len(kept)
			woken = append(woken, id)
		}
	}
	for _, id := range woken {
		m.condFor(id).Broadcast()
	}
	m.locksMu.Unlock()

	m.resourcesMu.Lock()
	for _, r := range m.resources {
		delete(r.Holders, holderID)
	}
	m.resourcesMu.Unlock()

	if released > 0 {
		m.log.Info("force released holder locks", "holder", holderID, "count", released)
	}
	return released
}

// DetectDeadlock implements the documented conservative heuristic: any
// resource with more than deadlockWaiterThreshold waiters is flagged.
// Real cycle detection is an open improvement, not required here.
func (m *Manager) DetectDeadlock() bool {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	for id, n := range m.waitCounts {
		if n > deadlockWaiterThreshold {
			m.log.Warn("potential deadlock detected", "resource", id, "waiting", n)
			return true
		}
	}
	return false
}

// WaitingQueueLength returns the current waiter count for resourceID.
func (m *Manager) WaitingQueueLength(resourceID string) int {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	return m.waitCounts[resourceID]
}
