package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/transfer-saga/internal/payments"
)

// RegisterTransferRoutes wires transfer intake and status endpoints.
func RegisterTransferRoutes(r fiber.Router, h *payments.Handler, limiter fiber.Handler) {
	r.Post("/transfers", limiter, h.Create)
	r.Get("/transfers/:transactionId", h.Get)
}
