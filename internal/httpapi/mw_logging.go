package httpapi

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

func AccessLog(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		reqLog := log.With().
			Str("rid", GetRequestID(c)).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Logger()

		reqLog.Debug().Msg("request started")

		err := c.Next()

		ev := reqLog.Info()
		if err != nil {
			ev = reqLog.Warn().Err(err)
		}
		ev.Int("status", c.Response().StatusCode()).
			Dur("dur", time.Since(start)).
			Msg("request completed")
		return err
	}
}
