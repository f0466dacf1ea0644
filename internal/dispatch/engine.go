// Package dispatch runs one dispatch pass: resolve the slot, check the dedupe
// window, then fetch, aggregate, format and push per city.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/rain-forecast/internal/push"
	"github.com/i474232898/rain-forecast/internal/schedule"
	"github.com/i474232898/rain-forecast/internal/slots"
	"github.com/i474232898/rain-forecast/internal/store"
	"github.com/i474232898/rain-forecast/internal/weather"
)

var (
	ErrMissingPushToken = errors.New("missing push token")
	ErrNoCities         = errors.New("no cities configured")
)

const localMarkerLimit = 1000

const (
	ReasonSlotDisabled = "Slot disabled"
	ReasonNotDue       = "Not due"
)

// Trigger identifies what started a pass; it picks the default dedupe policy.
type Trigger string

const (
	TriggerCron     Trigger = "cron"
	TriggerInterval Trigger = "interval"
)

// MarkScope selects whether a marker covers the whole slot or one city.
type MarkScope string

const (
	MarkSlot MarkScope = "slot"
	MarkCity MarkScope = "city"
)

// SlotResolver yields the effective configuration of a slot.
type SlotResolver interface {
	Resolve(ctx context.Context, slot string) slots.SlotConfig
}

// Forecaster collects forecasts from every enabled source and aggregates them.
type Forecaster interface {
	Collect(ctx context.Context, city weather.City, days int) weather.Collection
	Composite(c weather.Collection, day int) weather.Composite
}

// Options are the engine's fixed settings.
type Options struct {
	// Channel is the push destination (ServerChan key or Telegram chat id).
	Channel     string
	Cities      []weather.City
	Location    *time.Location
	Concurrency int
	MarkScope   MarkScope
	// CronPolicy and IntervalPolicy are the default dedupe policies per
	// trigger.
	CronPolicy     schedule.DedupePolicy
	IntervalPolicy schedule.DedupePolicy
	// AlertPolicy is used by DispatchAlert.
	AlertPolicy schedule.DedupePolicy
	Threshold   int
	Tolerance   time.Duration
}

// Request asks for one slot pass.
type Request struct {
	Slot    string
	Trigger Trigger
	// Time, when set (HH:MM), makes the pass check that the slot is due.
	Time string
	// Policy overrides the trigger's default dedupe policy.
	Policy schedule.DedupePolicy
}

// CityResult is the outcome for one city.
type CityResult struct {
	City        string `json:"city"`
	CityID      string `json:"cityId"`
	Success     bool   `json:"success"`
	Skipped     bool   `json:"skipped,omitempty"`
	Message     string `json:"message"`
	Probability *int   `json:"probability,omitempty"`

	pushed bool
}

// Result is the outcome of a pass. Skipped results carry only Reason, Slot
// and Date.
type Result struct {
	OK      bool         `json:"ok"`
	Skipped bool         `json:"skipped,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Slot    string       `json:"slot"`
	Date    string       `json:"date,omitempty"`
	Target  slots.Target `json:"target,omitempty"`
	Days    int          `json:"days,omitempty"`
	Results []CityResult `json:"results,omitempty"`
	Dedupe  bool         `json:"dedupe"`
}

// Engine coordinates a dispatch pass.
type Engine struct {
	resolver SlotResolver
	weather  Forecaster
	pusher   push.Pusher
	matcher  *schedule.Matcher
	history  *History
	opts     Options
	log      logrus.FieldLogger
	now      func() time.Time

	// local keeps markers in process memory for interval passes when no
	// shared store is configured.
	local *schedule.Matcher
}

// NewEngine creates an Engine. matcher and history share the same store;
// unset Options fields get their defaults.
func NewEngine(resolver SlotResolver, forecaster Forecaster, pusher push.Pusher, matcher *schedule.Matcher, history *History, opts Options, log logrus.FieldLogger) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MarkScope == "" {
		opts.MarkScope = MarkSlot
	}
	if opts.CronPolicy == nil {
		opts.CronPolicy = schedule.DayKeyed{}
	}
	if opts.IntervalPolicy == nil {
		opts.IntervalPolicy = schedule.RollingHours{Window: schedule.DefaultRollingWindow}
	}
	if opts.AlertPolicy == nil {
		opts.AlertPolicy = opts.IntervalPolicy
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 50
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = schedule.DefaultTolerance
	}
	return &Engine{
		resolver: resolver,
		weather:  forecaster,
		pusher:   pusher,
		matcher:  matcher,
		local:    matcher.WithStore(store.NewMemoryStore(localMarkerLimit)),
		history:  history,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

// WithClock replaces the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// History exposes the notification log.
func (e *Engine) History() *History {
	return e.history
}

func (e *Engine) checkConfig() error {
	if e.opts.Channel == "" {
		return ErrMissingPushToken
	}
	if len(e.opts.Cities) == 0 {
		return ErrNoCities
	}
	return nil
}

// matcherFor picks the marker store of a pass. Cron passes without a shared
// store run without dedupe; interval passes repeat every minute inside the
// due window and always need markers.
func (e *Engine) matcherFor(trigger Trigger) *schedule.Matcher {
	if trigger == TriggerInterval && !e.matcher.Enabled() {
		return e.local
	}
	return e.matcher
}

func (e *Engine) policyFor(req Request) schedule.DedupePolicy {
	if req.Policy != nil {
		return req.Policy
	}
	if req.Trigger == TriggerInterval {
		return e.opts.IntervalPolicy
	}
	return e.opts.CronPolicy
}

// DispatchSlot runs one pass for req.Slot. Only configuration errors are
// returned; upstream failures end up in the per-city results.
func (e *Engine) DispatchSlot(ctx context.Context, req Request) (Result, error) {
	if err := e.checkConfig(); err != nil {
		return Result{}, err
	}
	if req.Slot == "" {
		req.Slot = "default"
	}

	now := e.now().In(e.opts.Location)
	date := now.Format("2006-01-02")
	log := e.log.WithFields(logrus.Fields{"slot": req.Slot, "date": date, "trigger": req.Trigger})

	cfg := e.resolver.Resolve(ctx, req.Slot)
	if !cfg.Enabled {
		log.Info("slot disabled, skipping")
		return skipped(req.Slot, date, ReasonSlotDisabled), nil
	}

	if req.Time != "" {
		s := schedule.Schedule{ID: req.Slot, Time: req.Time, Enabled: true}
		if !schedule.Due(s, now, e.opts.Tolerance) {
			return skipped(req.Slot, date, ReasonNotDue), nil
		}
	}

	matcher := e.matcherFor(req.Trigger).WithPolicy(e.policyFor(req))
	slotScope := schedule.Scope{Slot: req.Slot}
	if e.opts.MarkScope == MarkSlot {
		if d := matcher.Check(ctx, slotScope, now); !d.Proceed {
			log.WithField("key", d.Key).Info("already dispatched, skipping")
			return skipped(req.Slot, date, d.Reason), nil
		}
	}
	if !matcher.Claim(ctx, slotScope, now) {
		log.Info("another pass holds the claim, skipping")
		return skipped(req.Slot, date, schedule.ReasonInProgress), nil
	}
	defer matcher.Release(context.WithoutCancel(ctx), slotScope)

	sel := selectDays(cfg)
	results := e.fanOut(ctx, func(ctx context.Context, city weather.City) CityResult {
		if e.opts.MarkScope == MarkCity {
			if d := matcher.Check(ctx, schedule.Scope{Slot: req.Slot, CityID: city.Key()}, now); !d.Proceed {
				return CityResult{City: city.Name, CityID: city.Key(), Skipped: true, Message: d.Reason}
			}
		}
		return e.forecastCity(ctx, city, sel, now)
	})

	e.mark(ctx, matcher, e.opts.MarkScope, req.Slot, results, now, log)
	e.record(ctx, req.Slot, KindForecast, results, now)

	log.WithField("succeeded", countSuccess(results)).Info("dispatch pass finished")
	return Result{
		OK:      true,
		Slot:    req.Slot,
		Date:    date,
		Target:  cfg.Target,
		Days:    cfg.Days,
		Results: results,
		Dedupe:  matcher.Enabled(),
	}, nil
}

// fanOut runs fn for every city with bounded concurrency and returns the
// results in city order.
func (e *Engine) fanOut(ctx context.Context, fn func(context.Context, weather.City) CityResult) []CityResult {
	results := make([]CityResult, len(e.opts.Cities))
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, city := range e.opts.Cities {
		g.Go(func() error {
			results[i] = fn(ctx, city)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) forecastCity(ctx context.Context, city weather.City, sel selection, now time.Time) CityResult {
	res := CityResult{City: city.Name, CityID: city.Key()}

	col := e.weather.Collect(ctx, city, sel.fetchDays())
	primary, ok := col.Primary()
	if !ok {
		res.Message = msgFetchFailed
		return res
	}

	lines := make([]string, 0, len(sel.indexes))
	for _, i := range sel.indexes {
		if i >= len(primary.Days) {
			break
		}
		comp := e.weather.Composite(col, i)
		lines = append(lines, forecastLine(dayLabel(i), primary.Days[i], comp.Percent))
		if res.Probability == nil {
			p := comp.Percent
			res.Probability = &p
		}
	}
	if len(lines) == 0 {
		res.Message = missingDayMessage(sel.label)
		return res
	}

	sent := e.pusher.Send(ctx, e.opts.Channel, forecastTitle(city), forecastBody(city, lines, primary.UpdateTime, now))
	res.pushed = true
	res.Success = sent.Success
	res.Message = sent.Message
	return res
}

// mark writes dedupe markers after the pass. With MarkSlot a single success
// blocks the whole slot.
func (e *Engine) mark(ctx context.Context, matcher *schedule.Matcher, scope MarkScope, slot string, results []CityResult, now time.Time, log logrus.FieldLogger) {
	ctx = context.WithoutCancel(ctx)
	if scope == MarkCity {
		for _, r := range results {
			if !r.Success {
				continue
			}
			if err := matcher.Mark(ctx, schedule.Scope{Slot: slot, CityID: r.CityID}, now); err != nil {
				log.WithError(err).WithField("city", r.City).Warn("failed to write dedupe marker")
			}
		}
		return
	}
	if countSuccess(results) == 0 {
		return
	}
	if err := matcher.Mark(ctx, schedule.Scope{Slot: slot}, now); err != nil {
		log.WithError(err).Warn("failed to write dedupe marker")
	}
}

// record appends one history entry per attempted push.
func (e *Engine) record(ctx context.Context, scheduleID string, kind Kind, results []CityResult, now time.Time) {
	var records []Record
	for _, r := range results {
		if !r.pushed {
			continue
		}
		records = append(records, Record{
			ID:         uuid.NewString(),
			ScheduleID: scheduleID,
			CityID:     r.CityID,
			Timestamp:  now.UnixMilli(),
			Sent:       r.Success,
			Message:    r.Message,
			Kind:       kind,
		})
	}
	if err := e.history.Append(context.WithoutCancel(ctx), records...); err != nil {
		e.log.WithError(err).Warn("failed to append notification history")
	}
}

func countSuccess(results []CityResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}

func skipped(slot, date, reason string) Result {
	return Result{OK: true, Skipped: true, Reason: reason, Slot: slot, Date: date}
}
