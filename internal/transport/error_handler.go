package transport

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/image-batch-processor/internal/observability"
	"go.uber.org/zap"
)

// ErrorHandler renders every error as {"error": "..."}. Server errors are
// logged at error level and sent to the reporter; client errors at warn.
func ErrorHandler(logger *zap.Logger, reporter *observability.ErrorReporter) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		}
		log := observability.WithContextLogger(logger, c.UserContext())

		message := err.Error()
		if code >= fiber.StatusInternalServerError {
			log.Error("request error", fields...)
			reporter.Capture(err, map[string]string{"path": c.Path(), "method": c.Method()})
			if fe == nil {
				message = "internal server error"
			}
		} else {
			log.Warn("request rejected", fields...)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": message,
		})
	}
}

// CorrelationID copies the request id into the user context so services and
// the job message can carry it.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(fiber.HeaderXRequestID)
		if id == "" {
			if v, ok := c.Locals("requestid").(string); ok {
				id = v
			}
		}
		if id != "" {
			c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
		}
		return c.Next()
	}
}
