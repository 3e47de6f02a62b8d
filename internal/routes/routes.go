package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/transfer-saga/internal/config"
	"github.com/congo-pay/transfer-saga/internal/middleware"
	"github.com/congo-pay/transfer-saga/internal/payments"
	"github.com/congo-pay/transfer-saga/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes. DB and Cache
// are nil when the process runs on in-memory backends.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Wallets  *wallet.Service
	Payments *payments.Service
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.AccessLog(d.Logger))

	RegisterHealthRoutes(app, d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals(middleware.RequestIDKey).(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	protected := api.Group("", middleware.Principal())
	if d.Cache != nil {
		protected.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterWalletMeRoute(protected, d.Wallets)
	RegisterWalletRoutes(protected, wallet.NewHandler(d.Wallets))
	RegisterTransferRoutes(protected, payments.NewHandler(d.Payments), middleware.RateLimit(d.Cache, d.Cfg.TransferRateLimit, d.Logger))
}
