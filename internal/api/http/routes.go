package httpapi

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/rain-forecast/internal/dispatch"
	"github.com/i474232898/rain-forecast/internal/schedule"
	"github.com/i474232898/rain-forecast/internal/scheduler"
	"github.com/i474232898/rain-forecast/internal/slots"
)

// Dispatcher runs dispatch passes.
type Dispatcher interface {
	DispatchSlot(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	DispatchAlert(ctx context.Context, req dispatch.AlertRequest) (dispatch.Result, error)
}

// ConfigService reads and writes the slot override document.
type ConfigService interface {
	StoreConfigured() bool
	Authorize(bearer string) error
	View(ctx context.Context) slots.Effective
	Update(ctx context.Context, bearer string, patch []byte) (slots.Effective, error)
}

// HistoryReader lists past notifications.
type HistoryReader interface {
	List(ctx context.Context) ([]dispatch.Record, error)
}

// CountdownSource exposes the interval scheduler's next trigger.
type CountdownSource interface {
	Countdown() scheduler.Countdown
}

// Deps are the collaborators behind the HTTP surface. Countdown may be nil
// when interval mode is off.
type Deps struct {
	Dispatcher Dispatcher
	Config     ConfigService
	History    HistoryReader
	Countdown  CountdownSource
	Alerts     []schedule.Schedule
	CronSecret string
}

const defaultSlot = "default"

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	cron := app.Group("/api/cron")

	cron.All("/forecast", func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodGet && c.Method() != fiber.MethodPost {
			return fail(c, fiber.StatusMethodNotAllowed, "Method not allowed")
		}
		if !cronAuthorized(c, deps.CronSecret) {
			return fail(c, fiber.StatusUnauthorized, "Unauthorized")
		}

		slot := c.Query("slot", defaultSlot)
		res, err := deps.Dispatcher.DispatchSlot(c.UserContext(), dispatch.Request{
			Slot:    slot,
			Trigger: dispatch.TriggerCron,
		})
		if err != nil {
			return dispatchError(c, err)
		}
		return c.JSON(res)
	})

	cron.All("/config", func(c *fiber.Ctx) error {
		if !deps.Config.StoreConfigured() {
			return fail(c, fiber.StatusBadRequest, "KV not configured")
		}
		bearer := bearerToken(c)
		if err := deps.Config.Authorize(bearer); err != nil {
			return fail(c, fiber.StatusUnauthorized, "Unauthorized")
		}

		switch c.Method() {
		case fiber.MethodGet:
			return c.JSON(fiber.Map{"ok": true, "config": deps.Config.View(c.UserContext())})
		case fiber.MethodPost:
			view, err := deps.Config.Update(c.UserContext(), bearer, c.Body())
			switch {
			case err == nil:
				return c.JSON(fiber.Map{"ok": true, "config": view})
			case errors.Is(err, slots.ErrInvalidDocument):
				return fail(c, fiber.StatusBadRequest, "Invalid JSON body")
			case errors.Is(err, slots.ErrNoUpdates):
				return fail(c, fiber.StatusBadRequest, "No valid updates")
			case errors.Is(err, slots.ErrUnauthorized):
				return fail(c, fiber.StatusUnauthorized, "Unauthorized")
			case errors.Is(err, slots.ErrStoreNotConfigured):
				return fail(c, fiber.StatusBadRequest, "KV not configured")
			default:
				return fail(c, fiber.StatusInternalServerError, err.Error())
			}
		default:
			return fail(c, fiber.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	v1 := app.Group("/api/v1")

	v1.Post("/alerts/:id", func(c *fiber.Ctx) error {
		if !cronAuthorized(c, deps.CronSecret) {
			return fail(c, fiber.StatusUnauthorized, "Unauthorized")
		}
		s, ok := findSchedule(deps.Alerts, c.Params("id"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown alert schedule")
		}
		res, err := deps.Dispatcher.DispatchAlert(c.UserContext(), dispatch.AlertRequest{Schedule: s})
		if err != nil {
			return dispatchError(c, err)
		}
		return c.JSON(res)
	})

	v1.Get("/history", func(c *fiber.Ctx) error {
		records, err := deps.History.List(c.UserContext())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read notification history")
		}
		if records == nil {
			records = []dispatch.Record{}
		}
		return c.JSON(fiber.Map{"ok": true, "records": records})
	})

	v1.Get("/schedule/next", func(c *fiber.Ctx) error {
		if deps.Countdown == nil {
			return c.JSON(scheduler.Countdown{})
		}
		return c.JSON(deps.Countdown.Countdown())
	})
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"ok": false, "error": msg})
}

// dispatchError maps configuration errors to 400; anything else is a 500.
func dispatchError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, dispatch.ErrMissingPushToken):
		return fail(c, fiber.StatusBadRequest, "Missing WECHAT_PUSH_TOKEN")
	case errors.Is(err, dispatch.ErrNoCities):
		return fail(c, fiber.StatusBadRequest, "No cities configured")
	default:
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
}

func bearerToken(c *fiber.Ctx) string {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// cronAuthorized accepts every caller when no secret is configured.
func cronAuthorized(c *fiber.Ctx, secret string) bool {
	if secret == "" {
		return true
	}
	return bearerToken(c) == secret
}

func findSchedule(list []schedule.Schedule, id string) (schedule.Schedule, bool) {
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return schedule.Schedule{}, false
}
