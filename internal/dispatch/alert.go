package dispatch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/i474232898/rain-forecast/internal/schedule"
	"github.com/i474232898/rain-forecast/internal/weather"
)

// AlertRequest asks for one alert schedule pass.
type AlertRequest struct {
	Schedule schedule.Schedule
	// CheckDue makes the pass skip unless the schedule is due now.
	CheckDue bool
	Policy   schedule.DedupePolicy
}

// DispatchAlert sends a rain alert for every city whose composite probability
// on the schedule's target day reaches the threshold.
func (e *Engine) DispatchAlert(ctx context.Context, req AlertRequest) (Result, error) {
	if err := e.checkConfig(); err != nil {
		return Result{}, err
	}
	s := req.Schedule
	now := e.now().In(e.opts.Location)
	date := now.Format("2006-01-02")
	log := e.log.WithFields(logrus.Fields{"schedule": s.ID, "date": date})

	if !s.Enabled {
		return skipped(s.ID, date, ReasonSlotDisabled), nil
	}
	if req.CheckDue && !schedule.Due(s, now, e.opts.Tolerance) {
		return skipped(s.ID, date, ReasonNotDue), nil
	}

	policy := req.Policy
	if policy == nil {
		policy = e.opts.AlertPolicy
	}
	matcher := e.matcherFor(TriggerInterval).WithPolicy(policy)
	scope := schedule.Scope{Slot: s.ID}
	if d := matcher.Check(ctx, scope, now); !d.Proceed {
		return skipped(s.ID, date, d.Reason), nil
	}
	if !matcher.Claim(ctx, scope, now) {
		return skipped(s.ID, date, schedule.ReasonInProgress), nil
	}
	defer matcher.Release(context.WithoutCancel(ctx), scope)

	day := 0
	if s.Target == "tomorrow" {
		day = 1
	}
	threshold := e.opts.Threshold

	results := e.fanOut(ctx, func(ctx context.Context, city weather.City) CityResult {
		res := CityResult{City: city.Name, CityID: city.Key()}
		col := e.weather.Collect(ctx, city, day+1)
		comp := e.weather.Composite(col, day)
		if !comp.HasData {
			res.Message = msgFetchFailed
			return res
		}
		p := comp.Percent
		res.Probability = &p
		if p < threshold {
			res.Skipped = true
			res.Message = fmt.Sprintf("降雨概率 %d%% 低于阈值 %d%%", p, threshold)
			return res
		}

		var d weather.Day
		if primary, ok := col.Primary(); ok && day < len(primary.Days) {
			d = primary.Days[day]
		}
		sent := e.pusher.Send(ctx, e.opts.Channel, alertTitle(city, p), alertBody(city, p, threshold, d, now))
		res.pushed = true
		res.Success = sent.Success
		res.Message = sent.Message
		return res
	})

	e.mark(ctx, matcher, MarkSlot, s.ID, results, now, log)
	e.record(ctx, s.ID, KindAlert, results, now)

	log.WithField("alerts", countSuccess(results)).Info("alert pass finished")
	return Result{
		OK:      true,
		Slot:    s.ID,
		Date:    date,
		Results: results,
		Dedupe:  matcher.Enabled(),
	}, nil
}
