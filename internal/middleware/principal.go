package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/congo-pay/transfer-saga/internal/wallet"
)

// PrincipalHeader carries the owner id asserted by the upstream identity
// gateway. Tokens are verified there, not here.
const PrincipalHeader = "X-Principal-ID"

// Principal copies the authenticated owner id into the request locals and
// rejects requests without one.
func Principal() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Get(PrincipalHeader))
		if id == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing principal")
		}
		if _, err := uuid.Parse(id); err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid principal")
		}
		c.Locals(wallet.PrincipalKey, id)
		return c.Next()
	}
}
