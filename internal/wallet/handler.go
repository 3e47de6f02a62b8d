package wallet

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// PrincipalKey is the fiber local holding the authenticated owner id.
const PrincipalKey = "principal_id"

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	Currency string `json:"currency"`
}

type walletResponse struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// Create provisions a wallet for the authenticated owner.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	owner, _ := c.Locals(PrincipalKey).(string)
	wallet, err := h.service.Create(c.UserContext(), CreateInput{OwnerID: owner, Currency: req.Currency})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(walletResponse{
		ID:       wallet.ID,
		OwnerID:  wallet.OwnerID,
		Currency: wallet.Currency,
		Status:   wallet.Status,
	})
}

// Balance returns the wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	balance, err := h.service.Balance(c.UserContext(), walletID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(BalanceJSON(balance))
}

// BalanceJSON renders a balance with fixed two-decimal strings.
func BalanceJSON(b Balance) fiber.Map {
	return fiber.Map{
		"wallet_id":          b.WalletID,
		"balance":            b.Balance.StringFixed(2),
		"frozen_balance":     b.Frozen.StringFixed(2),
		"unreleased_balance": b.Unreleased.StringFixed(2),
		"spendable_balance":  b.Spendable.StringFixed(2),
		"version":            b.Version,
		"timestamp":          b.AsOf,
	}
}
