package routes

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/transfer-saga/internal/wallet"
)

// RegisterWalletMeRoute exposes a GET endpoint to view the principal's wallet.
func RegisterWalletMeRoute(r fiber.Router, wallets *wallet.Service) {
	r.Get("/wallet", func(c *fiber.Ctx) error {
		owner, _ := c.Locals(wallet.PrincipalKey).(string)
		w, err := wallets.GetByOwner(c.UserContext(), owner)
		if err != nil {
			return err
		}
		bal, err := wallets.Balance(c.UserContext(), w.ID)
		if err != nil {
			return err
		}
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"wallet": fiber.Map{
				"id":         w.ID,
				"owner_id":   w.OwnerID,
				"currency":   w.Currency,
				"status":     w.Status,
				"created_at": w.CreatedAt,
			},
			"balance": wallet.BalanceJSON(bal),
		})
	})
}
