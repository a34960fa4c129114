package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mkarlsen/CrewDesk/app/controllers"
	"github.com/mkarlsen/CrewDesk/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/healthz", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
	})

	// No rate limiter here: provider deliveries are at-least-once and a 429
	// would only amplify the retry traffic. Bad callers fail the signature
	// check instead.
	billing := api.Group("/billing")
	billing.Post("/webhook", controllers.HandleBillingWebhook)

	admin := api.Group("/admin", middleware.AdminAuthMiddleware())
	admin.Get("/tenants/:id/billing", controllers.HandleGetTenantBilling)
	admin.Post("/tenants/:id/billing", controllers.HandleProvisionTenant)
	admin.Post("/tenants/:id/billing/trial", controllers.HandleStartTrial)
	admin.Post("/tenants/:id/billing/checkout", controllers.HandleBeginCheckout)
	admin.Post("/tenants/:id/billing/grant-manual", controllers.HandleGrantManual)
	admin.Post("/tenants/:id/billing/waive", controllers.HandleWaive)
	admin.Post("/tenants/:id/billing/reinstate", controllers.HandleReinstate)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
