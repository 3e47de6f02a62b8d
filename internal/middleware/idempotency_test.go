package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/logging"
)

const testPrincipal = "7f1f6a9e-2c3b-4f55-9d51-2a0b8f0c1d11"

func setupTestApp(t *testing.T) (*fiber.App, *int, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logging.Discard()
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	app.Use(Principal())
	app.Use(Idempotency(cache, time.Minute, logger))

	calls := 0
	app.Post("/resource", func(c *fiber.Ctx) error {
		calls++
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "call": calls})
	})
	app.Post("/broken", func(c *fiber.Ctx) error {
		calls++
		return errs.Errorf(errs.KindInsufficientFunds, "test", "not enough")
	})

	cleanup := func() {
		cache.Close()
		mr.Close()
	}

	return app, &calls, cleanup
}

func post(t *testing.T, app *fiber.App, path, key, principal, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(PrincipalHeader, principal)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	return resp
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	resp := post(t, app, "/resource", "", testPrincipal, "{}")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, resp.StatusCode)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	resp := post(t, app, "/resource", "abc123", testPrincipal, "{}")
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, resp.StatusCode)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()

	// Second request should return the cached response without invoking handler again.
	resp2 := post(t, app, "/resource", "abc123", testPrincipal, "{}")
	if resp2.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, resp2.StatusCode)
	}
	if resp2.Header.Get(replayedHeader) != "true" {
		t.Fatalf("expected replay marker header")
	}
	cachedPayload, err := io.ReadAll(resp2.Body)
	if err != nil {
		t.Fatalf("read cached body: %v", err)
	}
	resp2.Body.Close()

	if string(cachedPayload) != string(payload) {
		t.Fatalf("expected cached payload %s got %s", string(payload), string(cachedPayload))
	}
	var decoded map[string]any
	if err := json.Unmarshal(cachedPayload, &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
	if *calls != 1 {
		t.Fatalf("handler ran %d times", *calls)
	}
}

func TestIdempotencyRejectsKeyReuseWithDifferentBody(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	post(t, app, "/resource", "k1", testPrincipal, `{"amount":"1.00"}`).Body.Close()
	resp := post(t, app, "/resource", "k1", testPrincipal, `{"amount":"2.00"}`)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected %d got %d", fiber.StatusUnprocessableEntity, resp.StatusCode)
	}
	if *calls != 1 {
		t.Fatalf("handler ran %d times", *calls)
	}
}

func TestIdempotencyKeysAreScopedByPrincipal(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	post(t, app, "/resource", "shared", testPrincipal, "{}").Body.Close()
	resp := post(t, app, "/resource", "shared", "0b0c3f9d-9c4a-4f7e-8b7a-1f2e3d4c5b6a", "{}")
	if resp.StatusCode != fiber.StatusCreated || resp.Header.Get(replayedHeader) != "" {
		t.Fatalf("other principal must not see the stored response")
	}
	if *calls != 2 {
		t.Fatalf("expected handler to run for each principal, ran %d times", *calls)
	}
}

func TestIdempotencyDoesNotStoreErrors(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	for i := 0; i < 2; i++ {
		resp := post(t, app, "/broken", "retry-me", testPrincipal, "{}")
		if resp.StatusCode != fiber.StatusUnprocessableEntity {
			t.Fatalf("expected %d got %d", fiber.StatusUnprocessableEntity, resp.StatusCode)
		}
	}
	if *calls != 2 {
		t.Fatalf("expected failed request to run again, ran %d times", *calls)
	}
}
