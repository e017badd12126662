package kv

import (
	"strconv"
	"strings"

	"github.com/duorou/mcs/internal/mcserr"
)

// Multi marks the store as in-transaction; while it is open the command
// dispatcher queues writes with QueueCommand rather than applying them.
func (s *DataStore) Multi() {
	s.txMu.Lock()
	s.inMulti = true
	s.queued = nil
	s.txMu.Unlock()
}

// InMulti reports whether a transaction is currently open.
func (s *DataStore) InMulti() bool {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.inMulti
}

// QueueCommand appends args to the pending transaction's command queue.
// Caller must have already confirmed InMulti().
func (s *DataStore) QueueCommand(args []string) {
	s.txMu.Lock()
	s.queued = append(s.queued, append([]string(nil), args...))
	s.txMu.Unlock()
}

// Watch records the current watched-version of k, scoped to the current
// database, so a later Exec can detect whether k changed in between.
func (s *DataStore) Watch(k string) bool {
	db, idx := s.currentDatabase()
	db.mu.Lock()
	v := db.versions[k]
	db.mu.Unlock()

	s.txMu.Lock()
	if s.watches == nil {
		s.watches = make(map[string]uint64)
	}
	s.watches[watchKey(idx, k)] = v
	s.txMu.Unlock()
	return true
}

// Unwatch clears every watch without touching any pending MULTI queue.
func (s *DataStore) Unwatch() {
	s.txMu.Lock()
	s.watches = make(map[string]uint64)
	s.txMu.Unlock()
}

// Discard empties the queued command list and clears watches.
func (s *DataStore) Discard() {
	s.txMu.Lock()
	s.inMulti = false
	s.queued = nil
	s.watches = make(map[string]uint64)
	s.txMu.Unlock()
}

// Exec validates every watched key's version is unchanged, then hands
// back the queued command list for the caller (the command dispatcher)
// to apply one at a time through its normal dispatch path — each queued
// command's write still goes through DataStore's own locking, version
// bump and apply-callback, so AOF order continues to equal commit order.
// On watch failure it clears transaction state and returns
// (nil, Conflict error); EXEC with no prior WATCH always succeeds.
func (s *DataStore) Exec() ([][]string, error) {
	s.txMu.Lock()
	if !s.inMulti {
		s.txMu.Unlock()
		return nil, mcserr.New(mcserr.Internal, "EXEC without MULTI")
	}
	queued := s.queued
	watches := s.watches
	s.inMulti = false
	s.queued = nil
	s.watches = make(map[string]uint64)
	s.txMu.Unlock()

	for wk, snapshotVersion := range watches {
		idx, key := splitWatchKey(wk)
		db := s.db(idx)
		db.mu.Lock()
		current := db.versions[key]
		db.mu.Unlock()
		if current != snapshotVersion {
			return nil, mcserr.New(mcserr.Conflict, "transaction aborted: watched key changed")
		}
	}
	return queued, nil
}

// RLockCommand takes the shared side of the store-wide command lock for
// the duration of one non-transactional command.
func (s *DataStore) RLockCommand() { s.execMu.RLock() }

// RUnlockCommand releases what RLockCommand took.
func (s *DataStore) RUnlockCommand() { s.execMu.RUnlock() }

// LockCommand takes the store-wide command lock exclusively. EXEC holds
// this across applying every queued command in the block so no other
// connection's RLockCommand can proceed until UnlockCommand — a
// transaction's commands apply contiguously, with nothing from another
// connection interleaved.
func (s *DataStore) LockCommand() { s.execMu.Lock() }

// UnlockCommand releases what LockCommand took.
func (s *DataStore) UnlockCommand() { s.execMu.Unlock() }

func splitWatchKey(wk string) (int, string) {
	parts := strings.SplitN(wk, ":", 2)
	if len(parts) != 2 {
		return 0, wk
	}
	idx, _ := strconv.Atoi(parts[0])
	return idx, parts[1]
}
