package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mkarlsen/CrewDesk/app/models"
	"github.com/mkarlsen/CrewDesk/internal/pkg/reconcile"
)

var billingService *reconcile.Service

var errInvalidTenantID = errors.New("tenant id must be a positive integer")

// InitializeAdminBillingController wires the lifecycle service into the
// admin routes.
func InitializeAdminBillingController(service *reconcile.Service) {
	billingService = service
}

type checkoutRequest struct {
	CustomerRef     string `json:"customer_ref" validate:"required,max=191"`
	SubscriptionRef string `json:"subscription_ref" validate:"max=191"`
}

type reinstateRequest struct {
	SubscriptionRef string `json:"subscription_ref" validate:"required,max=191"`
	ViaTrial        bool   `json:"via_trial"`
}

// HandleGetTenantBilling returns the tenant's billing record.
func HandleGetTenantBilling(c *fiber.Ctx) error {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id", "message": "Tenant id must be a positive integer"})
	}

	record, svcErr := billingService.GetRecord(c.Context(), tenantID)
	if svcErr != nil {
		if errors.Is(svcErr, reconcile.ErrInvalidLifecycle) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Tenant has no billing record"})
		}
		return lifecycleError(c, svcErr)
	}
	return c.JSON(billingRecordResponse(record))
}

// HandleProvisionTenant creates the tenant's billing record. Safe to repeat.
func HandleProvisionTenant(c *fiber.Ctx) error {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id", "message": "Tenant id must be a positive integer"})
	}

	record, svcErr := billingService.ProvisionTenant(c.Context(), tenantID)
	if svcErr != nil {
		return lifecycleError(c, svcErr)
	}
	return c.Status(fiber.StatusCreated).JSON(billingRecordResponse(record))
}

// HandleStartTrial moves a freshly provisioned tenant into its trial entry
// state.
func HandleStartTrial(c *fiber.Ctx) error {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id", "message": "Tenant id must be a positive integer"})
	}

	record, svcErr := billingService.StartTrial(c.Context(), tenantID)
	if svcErr != nil {
		return lifecycleError(c, svcErr)
	}
	return c.JSON(billingRecordResponse(record))
}

// HandleBeginCheckout records a checkout session created with the payment
// provider, arming webhook activation for the named resources.
func HandleBeginCheckout(c *fiber.Ctx) error {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id", "message": "Tenant id must be a positive integer"})
	}

	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Malformed JSON body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "customer_ref is required"})
	}

	record, svcErr := billingService.BeginExternalCheckout(c.Context(), tenantID, req.CustomerRef, req.SubscriptionRef)
	if svcErr != nil {
		return lifecycleError(c, svcErr)
	}
	return c.JSON(billingRecordResponse(record))
}

// HandleGrantManual marks the tenant as manually invoiced.
func HandleGrantManual(c *fiber.Ctx) error {
	return handleSetAuthority(c, billingService.GrantManual)
}

// HandleWaive marks the tenant as comped.
func HandleWaive(c *fiber.Ctx) error {
	return handleSetAuthority(c, billingService.Waive)
}

// HandleReinstate re-enters the lifecycle after cancellation under a new
// subscription identity.
func HandleReinstate(c *fiber.Ctx) error {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id", "message": "Tenant id must be a positive integer"})
	}

	var req reinstateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Malformed JSON body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "subscription_ref is required"})
	}

	record, svcErr := billingService.ReinstateFromCanceled(c.Context(), tenantID, req.SubscriptionRef, req.ViaTrial)
	if svcErr != nil {
		return lifecycleError(c, svcErr)
	}
	return c.JSON(billingRecordResponse(record))
}

func handleSetAuthority(c *fiber.Ctx, op func(ctx context.Context, tenantID uint) (*models.BillingRecord, error)) error {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id", "message": "Tenant id must be a positive integer"})
	}

	record, svcErr := op(c.Context(), tenantID)
	if svcErr != nil {
		return lifecycleError(c, svcErr)
	}
	return c.JSON(billingRecordResponse(record))
}

func tenantIDParam(c *fiber.Ctx) (uint, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, errInvalidTenantID
	}
	return uint(id), nil
}

func lifecycleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, reconcile.ErrInvalidLifecycle):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_lifecycle", "message": err.Error()})
	case errors.Is(err, reconcile.ErrTransient):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "transient", "message": "Storage temporarily unavailable"})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
	}
}

func billingRecordResponse(record *models.BillingRecord) fiber.Map {
	return fiber.Map{
		"tenant_id":                 record.TenantID,
		"status":                    record.Status,
		"payment_authority":         record.PaymentAuthority,
		"external_customer_ref":     record.ExternalCustomerRef,
		"external_subscription_ref": record.ExternalSubscriptionRef,
		"trial_started_at":          formatTimePtr(record.TrialStartedAt),
		"trial_ends_at":             formatTimePtr(record.TrialEndsAt),
		"subscription_started_at":   formatTimePtr(record.SubscriptionStartedAt),
		"canceled_at":               formatTimePtr(record.CanceledAt),
		"last_event_type":           record.LastEventType,
		"last_event_at":             formatTimePtr(record.LastEventAt),
	}
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
