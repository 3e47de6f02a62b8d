package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/logging"
)

func TestErrorHandlerMapsKinds(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"invalid amount", errs.Errorf(errs.KindInvalidAmount, "op", "bad"), fiber.StatusBadRequest, "invalid_amount"},
		{"invalid request", errs.Errorf(errs.KindInvalidRequest, "op", "bad"), fiber.StatusBadRequest, "invalid_request"},
		{"wallet not found", errs.Errorf(errs.KindWalletNotFound, "op", "w"), fiber.StatusNotFound, "wallet_not_found"},
		{"transaction not found", errs.Errorf(errs.KindTransactionNotFound, "op", "t"), fiber.StatusNotFound, "transaction_not_found"},
		{"insufficient funds", errs.Errorf(errs.KindInsufficientFunds, "op", "poor"), fiber.StatusUnprocessableEntity, "insufficient_funds"},
		{"frozen", errs.Errorf(errs.KindWalletFrozen, "op", "cold"), fiber.StatusConflict, "wallet_frozen"},
		{"duplicate", errs.Errorf(errs.KindDuplicate, "op", "again"), fiber.StatusConflict, "duplicate"},
		{"infrastructure", errs.Errorf(errs.KindInfrastructure, "op", "dial tcp 10.0.0.3:5432"), fiber.StatusInternalServerError, "internal error"},
		{"untagged", errors.New("nil pointer somewhere"), fiber.StatusInternalServerError, "internal error"},
		{"fiber", fiber.NewError(fiber.StatusUnauthorized, "missing principal"), fiber.StatusUnauthorized, "missing principal"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
			app.Get("/", func(c *fiber.Ctx) error { return tc.err })

			resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d got %d", tc.status, resp.StatusCode)
			}
			raw, _ := io.ReadAll(resp.Body)
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("decode body %q: %v", raw, err)
			}
			if body["error"] != tc.body {
				t.Fatalf("expected error %q got %v", tc.body, body["error"])
			}
			if strings.Contains(string(raw), "10.0.0.3") || strings.Contains(string(raw), "nil pointer") {
				t.Fatalf("internal details leaked: %s", raw)
			}
		})
	}
}

func TestPrincipalRejectsMissingOrMalformed(t *testing.T) {
	app := fiber.New()
	app.Use(Principal())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(c.Locals("principal_id").(string)) })

	for _, header := range []string{"", "not-a-uuid"} {
		req := httptest.NewRequest(fiber.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set(PrincipalHeader, header)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Fatalf("header %q: expected 401 got %d", header, resp.StatusCode)
		}
	}

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(PrincipalHeader, testPrincipal)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != testPrincipal {
		t.Fatalf("expected principal in locals, got %q", raw)
	}
}
