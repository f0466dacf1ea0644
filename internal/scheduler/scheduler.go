package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"

	"github.com/i474232898/rain-forecast/internal/dispatch"
	"github.com/i474232898/rain-forecast/internal/schedule"
	"github.com/i474232898/rain-forecast/internal/store"
)

// PurgeInterval is how often expired store keys are dropped.
const PurgeInterval = time.Hour

// Dispatcher runs dispatch passes.
type Dispatcher interface {
	DispatchSlot(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	DispatchAlert(ctx context.Context, req dispatch.AlertRequest) (dispatch.Result, error)
}

// Countdown is the next pending trigger as shown by the schedule endpoint.
type Countdown struct {
	ScheduleID string    `json:"scheduleId,omitempty"`
	Next       time.Time `json:"next,omitempty"`
	Remaining  string    `json:"remaining"`
	Pending    bool      `json:"pending"`
}

// Scheduler drives interval mode: every minute it checks each slot time and
// alert schedule and dispatches the due ones; every second it refreshes the
// countdown.
type Scheduler struct {
	scheduler *gocron.Scheduler
	engine    Dispatcher
	slotTimes []schedule.Schedule
	alerts    []schedule.Schedule
	purger    store.Purger
	log       logrus.FieldLogger
	now       func() time.Time
	timeout   time.Duration

	mu        sync.Mutex
	busy      map[string]bool
	countdown Countdown
}

// New creates a Scheduler. alerts may be nil when threshold alerts are off.
func New(engine Dispatcher, slotTimes, alerts []schedule.Schedule, loc *time.Location, log logrus.FieldLogger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(loc),
		engine:    engine,
		slotTimes: slotTimes,
		alerts:    alerts,
		log:       log,
		now:       func() time.Time { return time.Now().In(loc) },
		timeout:   2 * time.Minute,
		busy:      make(map[string]bool),
	}
}

// Start schedules the minute and second jobs and starts the underlying
// scheduler.
func (s *Scheduler) Start() error {
	hasSchedules := len(s.slotTimes) > 0 || len(s.alerts) > 0
	if !hasSchedules && s.purger == nil {
		s.log.Info("scheduler: no schedules configured; nothing to run")
		return nil
	}

	if hasSchedules {
		if _, err := s.scheduler.Every(1).Minute().Do(func() {
			s.Tick(context.Background())
		}); err != nil {
			return err
		}
		if _, err := s.scheduler.Every(1).Second().Do(s.RefreshCountdown); err != nil {
			return err
		}
	}
	if s.purger != nil {
		if _, err := s.scheduler.Every(PurgeInterval).Do(func() {
			s.Purge(context.Background())
		}); err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	s.log.WithFields(logrus.Fields{
		"slots":  len(s.slotTimes),
		"alerts": len(s.alerts),
		"purge":  s.purger != nil,
	}).Info("scheduler started")
	return nil
}

// WithPurger makes the scheduler drop expired keys from p every
// PurgeInterval.
func (s *Scheduler) WithPurger(p store.Purger) *Scheduler {
	s.purger = p
	return s
}

// Purge drops expired keys once.
func (s *Scheduler) Purge(ctx context.Context) {
	if s.purger == nil {
		return
	}
	n, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		s.log.WithError(err).Warn("purging expired keys failed")
		return
	}
	if n > 0 {
		s.log.WithField("removed", n).Info("expired keys purged")
	}
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// Tick dispatches every schedule that is due now. A schedule whose previous
// pass is still running is left alone.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	var wg sync.WaitGroup

	for _, slot := range s.slotTimes {
		if !schedule.Due(slot, now, schedule.DefaultTolerance) {
			continue
		}
		s.run(ctx, &wg, "slot:"+slot.ID, func(ctx context.Context) (dispatch.Result, error) {
			return s.engine.DispatchSlot(ctx, dispatch.Request{
				Slot:    slot.ID,
				Trigger: dispatch.TriggerInterval,
				Time:    slot.Time,
			})
		})
	}
	for _, alert := range s.alerts {
		if !schedule.Due(alert, now, schedule.DefaultTolerance) {
			continue
		}
		s.run(ctx, &wg, "alert:"+alert.ID, func(ctx context.Context) (dispatch.Result, error) {
			return s.engine.DispatchAlert(ctx, dispatch.AlertRequest{Schedule: alert, CheckDue: true})
		})
	}

	wg.Wait()
	s.RefreshCountdown()
}

func (s *Scheduler) run(ctx context.Context, wg *sync.WaitGroup, key string, fn func(context.Context) (dispatch.Result, error)) {
	s.mu.Lock()
	if s.busy[key] {
		s.mu.Unlock()
		s.log.WithField("schedule", key).Debug("previous pass still running")
		return
	}
	s.busy[key] = true
	s.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.busy, key)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		res, err := fn(ctx)
		log := s.log.WithField("schedule", key)
		if err != nil {
			log.WithError(err).Error("scheduled dispatch failed")
			return
		}
		if res.Skipped {
			log.WithField("reason", res.Reason).Debug("scheduled dispatch skipped")
			return
		}
		log.WithField("results", len(res.Results)).Info("scheduled dispatch completed")
	}()
}

// RefreshCountdown recomputes the next pending trigger. It has no side
// effects beyond the cached Countdown.
func (s *Scheduler) RefreshCountdown() {
	now := s.now()
	all := make([]schedule.Schedule, 0, len(s.slotTimes)+len(s.alerts))
	all = append(all, s.slotTimes...)
	all = append(all, s.alerts...)

	cd := Countdown{}
	if next, at, ok := schedule.Next(all, now); ok {
		cd = Countdown{
			ScheduleID: next.ID,
			Next:       at,
			Remaining:  schedule.FormatRemaining(at, now),
			Pending:    true,
		}
	}

	s.mu.Lock()
	s.countdown = cd
	s.mu.Unlock()
}

// Countdown returns the last computed countdown.
func (s *Scheduler) Countdown() Countdown {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countdown
}
