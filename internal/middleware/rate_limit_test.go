package middleware

import (
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/transfer-saga/internal/logging"
)

func TestRateLimitPerPrincipal(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New()
	app.Use(Principal())
	app.Post("/transfers", RateLimit(cache, 2, logging.Discard()), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})

	send := func(principal string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/transfers", nil)
		req.Header.Set(PrincipalHeader, principal)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if code := send(testPrincipal); code != fiber.StatusAccepted {
			t.Fatalf("request %d: expected %d got %d", i, fiber.StatusAccepted, code)
		}
	}
	if code := send(testPrincipal); code != fiber.StatusTooManyRequests {
		t.Fatalf("expected %d got %d", fiber.StatusTooManyRequests, code)
	}
	if code := send("0b0c3f9d-9c4a-4f7e-8b7a-1f2e3d4c5b6a"); code != fiber.StatusAccepted {
		t.Fatalf("limit must be per principal, got %d", code)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer cache.Close()
	mr.Close()

	app := fiber.New()
	app.Post("/transfers", RateLimit(cache, 1, logging.Discard()), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/transfers", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != fiber.StatusAccepted {
			t.Fatalf("expected fail-open, got %d", resp.StatusCode)
		}
	}
}
