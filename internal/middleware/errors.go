package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/transfer-saga/internal/errs"
)

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidAmount, errs.KindInvalidRequest:
		return http.StatusBadRequest
	case errs.KindWalletNotFound, errs.KindTransactionNotFound:
		return http.StatusNotFound
	case errs.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case errs.KindWalletFrozen, errs.KindDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders handler errors as JSON. Business errors keep their
// kind and message; anything else is logged and answered with an opaque 500.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}

		kind := errs.KindOf(err)
		if status := StatusFor(kind); status < http.StatusInternalServerError {
			return c.Status(status).JSON(fiber.Map{"error": kind.String(), "message": errMessage(err)})
		}

		requestID, _ := c.Locals(RequestIDKey).(string)
		logger.Error("request failed",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("request_id", requestID),
			slog.Any("error", err),
		)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": errs.InternalMessage})
	}
}

func errMessage(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

func statusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return StatusFor(errs.KindOf(err))
}
