package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/djtimer/shellcache/internal/timerstate"
)

// RegisterTimerRoutes 暴露 /-/timer：GET 返回加载决策（完成的计时会被清空），
// PUT 写入完整记录或仅更新运行标记，DELETE 清空记录。
func RegisterTimerRoutes(app *fiber.App, store *timerstate.LevelStore, logger *logrus.Logger) {
	if app == nil || store == nil {
		return
	}

	app.Get("/-/timer", func(c fiber.Ctx) error {
		decision, err := store.Load(c.Context())
		if err != nil {
			logTimerError(logger, "timer_load", err)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "timer_store_unavailable"})
		}
		return c.JSON(decision)
	})

	app.Put("/-/timer", func(c fiber.Ctx) error {
		var payload timerUpdate
		if err := c.Bind().WithoutAutoHandling().JSON(&payload); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_timer_payload"})
		}
		var err error
		switch {
		case payload.Record != nil:
			err = store.Save(c.Context(), *payload.Record)
		case payload.IsRunning != nil:
			err = store.SetRunning(c.Context(), *payload.IsRunning)
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_timer_payload"})
		}
		if err != nil {
			logTimerError(logger, "timer_save", err)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "timer_store_unavailable"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/-/timer", func(c fiber.Ctx) error {
		if err := store.Clear(c.Context()); err != nil {
			logTimerError(logger, "timer_clear", err)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "timer_store_unavailable"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// timerUpdate 接受 {"record": {...}} 或 {"isRunning": false}。
type timerUpdate struct {
	Record    *timerstate.Record `json:"record"`
	IsRunning *bool              `json:"isRunning"`
}

func logTimerError(logger *logrus.Logger, action string, err error) {
	if logger == nil {
		return
	}
	logger.WithField("action", action).WithError(err).Warn("timer_store_failed")
}
