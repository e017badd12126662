// Package snapshot evaluates the "save S C" conditions from
// internal/config against a store's accumulated change counter and
// triggers MCDB snapshots (and, optionally, AOF rewrites on a cron
// schedule) in the background, via robfig/cron/v3's cron.Cron.
package snapshot

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/duorou/mcs/internal/config"
	"github.com/duorou/mcs/internal/mcslog"
	"github.com/duorou/mcs/internal/metrics"
	"github.com/duorou/mcs/pkg/aof"
	"github.com/duorou/mcs/pkg/kv"
	"github.com/duorou/mcs/pkg/mcdb"
)

// tickInterval is how often the save-condition ladder is re-evaluated.
// One second matches the finest-grained "save S C" entries seen in
// practice (e.g. "save 1 0").
const tickInterval = time.Second

// Scheduler owns the background goroutine that watches store's change
// counter and writes an MCDB snapshot whenever any configured save
// condition is satisfied, plus an optional cron-triggered AOF rewrite.
type Scheduler struct {
	log   mcslog.Logger
	cfg   *config.ServerConfig
	store *kv.DataStore

	mu              sync.Mutex
	sinceLastSave   time.Duration
	changesSinceSav int64
	lastSave        time.Time

	cron     *cron.Cron
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Scheduler for store using cfg's save conditions. It
// does not start the background loop; call Start for that.
func New(log mcslog.Logger, cfg *config.ServerConfig, store *kv.DataStore) *Scheduler {
	if log == nil {
		log = mcslog.Nop()
	}
	return &Scheduler{
		log:      log,
		cfg:      cfg,
		store:    store,
		lastSave: time.Now(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the save-condition evaluation loop and, if
// rewriteSchedule is non-empty, a cron-triggered AOF rewrite.
// rewriteSchedule uses the standard 5-field cron syntax; an empty
// string disables the rewrite trigger entirely.
func (s *Scheduler) Start(rewriteSchedule string) error {
	s.wg.Add(1)
	go s.loop()

	if rewriteSchedule == "" {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(rewriteSchedule, func() {
		if !s.cfg.AppendOnly {
			return
		}
		path := s.cfg.ResolvePath(s.cfg.AppendFilename)
		if err := aof.Rewrite(s.store, path); err != nil {
			s.log.Error("scheduled AOF rewrite failed", "error", err)
			return
		}
		s.log.Info("scheduled AOF rewrite complete", "path", path)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts both the save-condition loop and any cron rewrite job.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	changed := s.store.GetAndResetChangeCount()

	s.mu.Lock()
	s.changesSinceSav += changed
	elapsed := time.Since(s.lastSave)
	due := s.cfg.SaveImmediate && changed > 0
	if !due {
		for _, cond := range s.cfg.SaveConditions {
			if elapsed.Seconds() >= float64(cond.Seconds) && s.changesSinceSav >= int64(cond.Changes) {
				due = true
				break
			}
		}
	}
	if !due {
		s.mu.Unlock()
		return
	}
	s.changesSinceSav = 0
	s.lastSave = time.Now()
	s.mu.Unlock()

	s.save("condition")
}

// SaveNow forces an immediate snapshot regardless of the save-condition
// ladder, matching an explicit SAVE/BGSAVE command.
func (s *Scheduler) SaveNow() error {
	s.mu.Lock()
	s.changesSinceSav = 0
	s.lastSave = time.Now()
	s.mu.Unlock()
	return s.save("manual")
}

func (s *Scheduler) save(trigger string) error {
	path := s.cfg.ResolvePath(config.MCDBFilename)
	if err := mcdb.Save(s.store, path); err != nil {
		s.log.Error("snapshot failed", "trigger", trigger, "error", err)
		return err
	}
	metrics.SnapshotCount.WithLabelValues(trigger).Inc()
	s.log.Info("snapshot written", "trigger", trigger, "path", path)
	return nil
}
