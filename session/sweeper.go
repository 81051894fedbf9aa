package session

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Sweeper runs TTL expiry and budget enforcement on a schedule. It is the
// only component that owns a timer: constructing a Cache never spawns
// goroutines, so the composition root decides when sweeping starts and
// stops, and tests call SweepExpired directly with a fake clock instead.
type Sweeper struct {
	scheduler gocron.Scheduler
	cache     *Cache
	guard     *BudgetGuard
	clock     clockwork.Clock
	ttl       time.Duration
	log       *logrus.Logger
}

// NewSweeper schedules a sweep every Config.SweepInterval. The job does
// not run until Start is called.
func NewSweeper(cache *Cache, guard *BudgetGuard) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create sweep scheduler: %w", err)
	}

	s := &Sweeper{
		scheduler: scheduler,
		cache:     cache,
		guard:     guard,
		clock:     cache.cfg.Clock,
		ttl:       cache.cfg.SessionTTL,
		log:       cache.cfg.Logger,
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(cache.cfg.SweepInterval),
		gocron.NewTask(s.sweep),
		gocron.WithName("session-sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("register sweep job: %w", err)
	}
	return s, nil
}

// Start begins periodic sweeping.
func (s *Sweeper) Start() {
	s.scheduler.Start()
}

// Stop shuts the scheduler down and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// Sweep runs one expiry pass followed by a budget check. Exposed so hosts
// can force a sweep outside the schedule.
func (s *Sweeper) Sweep() {
	s.sweep()
}

func (s *Sweeper) sweep() {
	expired := s.cache.SweepExpired(s.clock.Now(), s.ttl)
	evicted := 0
	if s.guard != nil {
		evicted = s.guard.CheckAndEnforce()
	}
	if expired > 0 || evicted > 0 {
		s.log.WithFields(logrus.Fields{
			"expired":         expired,
			"budget_evicted":  evicted,
			"sessions_remain": s.cache.Stats().Sessions,
		}).Info("sweep complete")
	}
}
