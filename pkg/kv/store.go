// Package kv implements DataStore: an N-database in-memory keyspace
// with per-key TTL, numeric-vector values, optimistic WATCH/MULTI/EXEC
// transactions, a change counter and an apply-callback hook that drives
// AOF logging. Grounded on the MiniMemory DataStore as used throughout
// CommandHandler.cpp and Aof.hpp — the original source filters out
// DataStore.{h,cpp} themselves, so behavior here is reconstructed from
// every call site that survived filtering.
package kv

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duorou/mcs/internal/mcserr"
	"github.com/duorou/mcs/internal/mcslog"
)

// DefaultDatabaseCount matches the source's default N=16 keyspace.
const DefaultDatabaseCount = 16

const ttlSweepInterval = time.Second

type valueKind int

const (
	kindString valueKind = iota
	kindVector
)

type entry struct {
	kind     valueKind
	str      string
	vec      []float32
	expireAt time.Time // zero = no TTL
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

type database struct {
	mu       sync.Mutex
	data     map[string]*entry
	versions map[string]uint64
}

func newDatabase() *database {
	return &database{data: make(map[string]*entry), versions: make(map[string]uint64)}
}

// DataStore is the KV engine's in-memory keyspace.
type DataStore struct {
	log mcslog.Logger

	dbs     []*database
	numDBs  int
	current atomic.Int64

	loading     atomic.Bool
	changeCount atomic.Int64

	applyMu sync.Mutex
	applyFn func([]string)

	// txMu guards the single, store-wide transaction context — the
	// source's CommandHandler forwards MULTI/WATCH/EXEC/DISCARD/UNWATCH
	// straight to DataStore with no per-connection session object, so
	// there is exactly one in-flight transaction context for the whole
	// store, mirrored here rather than invented away.
	txMu    sync.Mutex
	inMulti bool
	queued  [][]string
	watches map[string]uint64 // "dbIndex:key" -> version at WATCH time

	// execMu makes a transaction's queued commands apply as one
	// indivisible block even though CommandHandler is goroutine-per-
	// connection with no per-connection session object: EXEC takes it
	// exclusively for the whole queued block, every other command takes
	// it shared for its own single-command duration.
	execMu sync.RWMutex

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a DataStore with numDBs databases (DefaultDatabaseCount
// if <= 0) and starts its background TTL sweep goroutine.
func New(log mcslog.Logger, numDBs int) *DataStore {
	if log == nil {
		log = mcslog.Nop()
	}
	if numDBs <= 0 {
		numDBs = DefaultDatabaseCount
	}
	s := &DataStore{
		log:     log,
		dbs:     make([]*database, numDBs),
		numDBs:  numDBs,
		watches: make(map[string]uint64),
		stopCh:  make(chan struct{}),
	}
	for i := range s.dbs {
		s.dbs[i] = newDatabase()
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// Close stops the TTL sweep goroutine. Safe to call more than once.
func (s *DataStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *DataStore) sweepLoop() {
	defer s.wg.Done()
	t := time.NewTicker(ttlSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.CleanExpiredKeys()
		}
	}
}

// CleanExpiredKeys removes every expired key across every database,
// bumping each removed key's watched version so in-flight WATCHes see
// expiry as a write, per spec.
func (s *DataStore) CleanExpiredKeys() {
	now := time.Now()
	for idx, db := range s.dbs {
		db.mu.Lock()
		for k, e := range db.data {
			if e.expired(now) {
				delete(db.data, k)
				db.versions[k]++
			}
		}
		db.mu.Unlock()
		_ = idx
	}
}

// CurrentDB returns the store-wide selected database index.
func (s *DataStore) CurrentDB() int { return int(s.current.Load()) }

// Select switches the current database. Returns false for indices
// outside [0, numDBs).
func (s *DataStore) Select(idx int) bool {
	if idx < 0 || idx >= s.numDBs {
		return false
	}
	s.current.Store(int64(idx))
	return true
}

// SetLoading toggles loading mode, which suppresses the apply-callback
// so AOF replay and rewrite do not re-log themselves.
func (s *DataStore) SetLoading(v bool) { s.loading.Store(v) }

// IsLoading reports the current loading-mode flag.
func (s *DataStore) IsLoading() bool { return s.loading.Load() }

// SetApplyCallback registers fn to be invoked, synchronously with the
// write under the same critical section, for every successful write
// applied while loading is false.
func (s *DataStore) SetApplyCallback(fn func([]string)) {
	s.applyMu.Lock()
	s.applyFn = fn
	s.applyMu.Unlock()
}

func (s *DataStore) notifyApply(args []string) {
	if s.loading.Load() {
		return
	}
	s.applyMu.Lock()
	fn := s.applyFn
	s.applyMu.Unlock()
	if fn != nil {
		fn(append([]string(nil), args...))
	}
}

// GetAndResetChangeCount atomically reads and zeroes the write counter.
func (s *DataStore) GetAndResetChangeCount() int64 {
	return s.changeCount.Swap(0)
}

func (s *DataStore) db(idx int) *database { return s.dbs[idx] }

func (s *DataStore) currentDatabase() (*database, int) {
	idx := s.CurrentDB()
	return s.db(idx), idx
}

func watchKey(dbIndex int, key string) string {
	return strconv.Itoa(dbIndex) + ":" + key
}

// recordWrite bumps the change counter and invokes the apply-callback;
// caller must have already committed the mutation and released any
// per-db lock it was holding that the callback itself might re-enter.
func (s *DataStore) recordWrite(args []string) {
	s.changeCount.Add(1)
	s.notifyApply(args)
}

// --- basic key/value operations ---

// Get returns v and true, or ("", false) if k is absent or expired.
func (s *DataStore) Get(k string) (string, bool) {
	db, _ := s.currentDatabase()
	db.mu.Lock()
	defer db.mu.Unlock()
	e := s.getLiveLocked(db, k)
	if e == nil || e.kind != kindString {
		return "", false
	}
	return e.str, true
}

// getLiveLocked returns the entry for k, lazily deleting and
// version-bumping it first if expired. Caller must hold db.mu.
func (s *DataStore) getLiveLocked(db *database, k string) *entry {
	e, ok := db.data[k]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		delete(db.data, k)
		db.versions[k]++
		return nil
	}
	return e
}

// Set stores v under k as a plain string, clearing any TTL.
func (s *DataStore) Set(k, v string) {
	db, idx := s.currentDatabase()
	db.mu.Lock()
	db.data[k] = &entry{kind: kindString, str: v}
	db.versions[k]++
	db.mu.Unlock()
	_ = idx
	s.recordWrite([]string{"SET", k, v})
}

// Del removes each existing key in keys and returns the count removed.
func (s *DataStore) Del(keys ...string) int {
	db, _ := s.currentDatabase()
	removed := 0
	db.mu.Lock()
	for _, k := range keys {
		if _, ok := db.data[k]; ok {
			delete(db.data, k)
			db.versions[k]++
			removed++
		}
	}
	db.mu.Unlock()
	if removed > 0 {
		s.recordWrite(append([]string{"DEL"}, keys...))
	}
	return removed
}

// Exists counts how many of keys currently exist (and are unexpired).
func (s *DataStore) Exists(keys ...string) int {
	db, _ := s.currentDatabase()
	db.mu.Lock()
	defer db.mu.Unlock()
	count := 0
	for _, k := range keys {
		if s.getLiveLocked(db, k) != nil {
			count++
		}
	}
	return count
}

// Keys returns every unexpired key in the current DB matching pattern
// (shell-glob syntax via path.Match).
func (s *DataStore) Keys(pattern string) []string {
	db, _ := s.currentDatabase()
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now()
	var out []string
	for k, e := range db.data {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out
}

// Scan returns up to count glob matches against pattern (default 10).
func (s *DataStore) Scan(pattern string, count int) []string {
	if count <= 0 {
		count = 10
	}
	all := s.Keys(pattern)
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Rename moves the value stored at a to b, failing if a does not
// exist. Bumps both keys' watched versions.
func (s *DataStore) Rename(a, b string) bool {
	db, _ := s.currentDatabase()
	db.mu.Lock()
	e := s.getLiveLocked(db, a)
	if e == nil {
		db.mu.Unlock()
		return false
	}
	delete(db.data, a)
	db.data[b] = e
	db.versions[a]++
	db.versions[b]++
	db.mu.Unlock()
	s.recordWrite([]string{"RENAME", a, b})
	return true
}

// Pexpire sets k's absolute expiry to now+ms. Returns false if k does
// not currently exist.
func (s *DataStore) Pexpire(k string, ms int64) bool {
	db, _ := s.currentDatabase()
	db.mu.Lock()
	e := s.getLiveLocked(db, k)
	if e == nil {
		db.mu.Unlock()
		return false
	}
	e.expireAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
	db.versions[k]++
	db.mu.Unlock()
	s.recordWrite([]string{"PEXPIRE", k, strconv.FormatInt(ms, 10)})
	return true
}

// Pttl returns milliseconds until k's expiry, -1 if k has no TTL, or -2
// if k does not exist.
func (s *DataStore) Pttl(k string) int64 {
	db, _ := s.currentDatabase()
	db.mu.Lock()
	defer db.mu.Unlock()
	e := s.getLiveLocked(db, k)
	if e == nil {
		return -2
	}
	if e.expireAt.IsZero() {
		return -1
	}
	remaining := time.Until(e.expireAt).Milliseconds()
	if remaining < 0 {
		return -2
	}
	return remaining
}

// Incr parses k's current value as a signed integer (0 if absent),
// stores the increment, and returns the new value. A non-integer stored
// value surfaces as an *mcserr.Error with Kind InvalidArgument — the
// source's std::stoi exception turned into an error string, preserved
// here as the idiomatic Go equivalent.
func (s *DataStore) Incr(k string) (int64, error) {
	db, _ := s.currentDatabase()
	db.mu.Lock()
	e := s.getLiveLocked(db, k)
	var cur int64
	if e != nil {
		if e.kind != kindString {
			db.mu.Unlock()
			return 0, mcserr.New(mcserr.InvalidArgument, "value is not an integer")
		}
		n, err := strconv.ParseInt(e.str, 10, 64)
		if err != nil {
			db.mu.Unlock()
			return 0, mcserr.Wrap(mcserr.InvalidArgument, err, "value is not an integer")
		}
		cur = n
	}
	next := cur + 1
	db.data[k] = &entry{kind: kindString, str: strconv.FormatInt(next, 10)}
	db.versions[k]++
	db.mu.Unlock()
	s.recordWrite([]string{"SET", k, strconv.FormatInt(next, 10)})
	return next, nil
}

// SetNumeric stores vals as a numeric-vector value under k.
func (s *DataStore) SetNumeric(k string, vals []float32) bool {
	db, _ := s.currentDatabase()
	db.mu.Lock()
	db.data[k] = &entry{kind: kindVector, vec: append([]float32(nil), vals...)}
	db.versions[k]++
	db.mu.Unlock()
	args := make([]string, 0, len(vals)+2)
	args = append(args, "VSET", k)
	for _, v := range vals {
		args = append(args, strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	s.recordWrite(args)
	return true
}

// GetNumeric returns the numeric-vector value stored at k, or nil if
// absent, expired, or not a vector.
func (s *DataStore) GetNumeric(k string) []float32 {
	db, _ := s.currentDatabase()
	db.mu.Lock()
	defer db.mu.Unlock()
	e := s.getLiveLocked(db, k)
	if e == nil || e.kind != kindVector {
		return nil
	}
	return append([]float32(nil), e.vec...)
}

// FlushDB wipes every key in the current database.
func (s *DataStore) FlushDB() {
	db, _ := s.currentDatabase()
	db.mu.Lock()
	for k := range db.data {
		db.versions[k]++
	}
	db.data = make(map[string]*entry)
	db.mu.Unlock()
	s.recordWrite([]string{"FLUSHDB"})
}

// FlushAll wipes every key in every database.
func (s *DataStore) FlushAll() {
	for _, db := range s.dbs {
		db.mu.Lock()
		for k := range db.data {
			db.versions[k]++
		}
		db.data = make(map[string]*entry)
		db.mu.Unlock()
	}
	s.recordWrite([]string{"FLUSHALL"})
}

// Info returns a "key:value" line-per-field text dump modeled on the source's INFO
// output: database count, current DB, and coarse counters. AofWriter's
// rewrite path parses the "databases:" and "current_db:" lines back out
// of this exact format.
func (s *DataStore) Info() string {
	var b strings.Builder
	fmt.Fprintf(&b, "databases:%d\n", s.numDBs)
	fmt.Fprintf(&b, "current_db:%d\n", s.CurrentDB())
	var totalKeys int
	for _, db := range s.dbs {
		db.mu.Lock()
		totalKeys += len(db.data)
		db.mu.Unlock()
	}
	fmt.Fprintf(&b, "total_keys:%d\n", totalKeys)
	fmt.Fprintf(&b, "loading:%t\n", s.IsLoading())
	return b.String()
}
