package payments

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/transfer"
	"github.com/congo-pay/transfer-saga/internal/wallet"
)

// Handler exposes transfer endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type transferRequest struct {
	ToWalletID    string      `json:"to_wallet_id"`
	Amount        json.Number `json:"amount"`
	TransactionID string      `json:"transaction_id"`
}

type transferResponse struct {
	TransactionID string    `json:"transaction_id"`
	Status        string    `json:"status"`
	FromWalletID  string    `json:"from_wallet_id"`
	ToWalletID    string    `json:"to_wallet_id"`
	Amount        string    `json:"amount"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toResponse(t transfer.Transaction) transferResponse {
	return transferResponse{
		TransactionID: t.ID,
		Status:        string(t.Status),
		FromWalletID:  t.FromWalletID,
		ToWalletID:    t.ToWalletID,
		Amount:        t.Amount.StringFixed(2),
		Reason:        t.PublicReason(),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// Create accepts a transfer from the principal's wallet. A new saga answers
// 202; a transaction id seen before answers 200 with the stored state.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return errs.Errorf(errs.KindInvalidRequest, "payments.Create", "malformed body: %v", err)
	}
	principal, _ := c.Locals(wallet.PrincipalKey).(string)

	res, err := h.service.RequestTransfer(c.UserContext(), TransferInput{
		PrincipalID:   principal,
		ToWalletID:    req.ToWalletID,
		Amount:        req.Amount.String(),
		TransactionID: req.TransactionID,
	})
	if err != nil {
		return err
	}

	status := http.StatusAccepted
	if !res.Created {
		status = http.StatusOK
	}
	return c.Status(status).JSON(toResponse(res.Transaction))
}

// Get reports the state of a transfer saga.
func (h *Handler) Get(c *fiber.Ctx) error {
	principal, _ := c.Locals(wallet.PrincipalKey).(string)
	t, err := h.service.Status(c.UserContext(), principal, c.Params("transactionId"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toResponse(t))
}
