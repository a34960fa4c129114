package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/mkarlsen/CrewDesk/internal/pkg/env"
	"github.com/mkarlsen/CrewDesk/internal/pkg/metrics/counter"
	"github.com/mkarlsen/CrewDesk/internal/pkg/reconcile"
)

var (
	billingEngine *reconcile.Engine
	validate      = validator.New()
)

// InitializeBillingController wires the reconciliation engine into the
// webhook route.
func InitializeBillingController(engine *reconcile.Engine) {
	billingEngine = engine
}

// providerEventTypes maps the payment provider's event names onto the
// engine's enum. Unmapped names pass through unchanged and are ledgered as
// REJECTED_MALFORMED, which keeps an audit trail of everything the provider
// sent us.
var providerEventTypes = map[string]string{
	"customer.subscription.trial_started": reconcile.EventTrialStarted,
	"checkout.session.completed":          reconcile.EventCheckoutCompleted,
	"invoice.paid":                        reconcile.EventInvoicePaid,
	"invoice.payment_failed":              reconcile.EventInvoicePaymentFailed,
	"customer.subscription.deleted":       reconcile.EventSubscriptionDeleted,
}

type webhookEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID           string `json:"id"`
			Object       string `json:"object"`
			Customer     string `json:"customer"`
			Subscription string `json:"subscription"`
		} `json:"object"`
	} `json:"data"`
}

// HandleBillingWebhook receives payment-provider notifications. Transport
// duties live here (signature, payload shape); everything after parsing is
// the engine's job. Every engine outcome is acknowledged with 2xx so the
// provider stops redelivering; only a transient storage failure returns a
// retryable status.
func HandleBillingWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("X-Provider-Signature")
	secret := env.GetEnv("BILLING_WEBHOOK_SECRET", "")

	if !VerifyWebhookSignature(rawBody, signature, secret) {
		log.Warn().Str("ip", c.IP()).Msg("billing webhook with invalid signature")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	event, err := parseWebhookEnvelope(rawBody)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := validate.Struct(event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outcome, err := billingEngine.Process(ctx, event)
	if err != nil {
		// Transient by contract: leave no terminal outcome and let the
		// provider's retry mechanism redeliver.
		if !errors.Is(err, reconcile.ErrTransient) {
			log.Error().Err(err).Str("external_event_id", event.ExternalEventID).Msg("unexpected reconciliation error")
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "transient"})
	}

	if cerr := counter.AddOutcome(string(outcome)); cerr != nil {
		log.Debug().Err(cerr).Msg("outcome counter increment failed")
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": string(outcome)})
}

func parseWebhookEnvelope(rawBody []byte) (reconcile.InboundEvent, error) {
	var envl webhookEnvelope
	if err := json.Unmarshal(rawBody, &envl); err != nil {
		return reconcile.InboundEvent{}, err
	}
	if strings.TrimSpace(envl.ID) == "" {
		return reconcile.InboundEvent{}, errors.New("webhook payload missing event id")
	}

	eventType := envl.Type
	if mapped, ok := providerEventTypes[envl.Type]; ok {
		eventType = mapped
	}

	subscriptionRef := strings.TrimSpace(envl.Data.Object.Subscription)
	if subscriptionRef == "" && envl.Data.Object.Object == "subscription" {
		subscriptionRef = strings.TrimSpace(envl.Data.Object.ID)
	}

	event := reconcile.InboundEvent{
		ExternalEventID: strings.TrimSpace(envl.ID),
		EventType:       eventType,
		CustomerRef:     strings.TrimSpace(envl.Data.Object.Customer),
		SubscriptionRef: subscriptionRef,
		PayloadJSON:     string(rawBody),
	}
	if envl.Created > 0 {
		event.OccurredAt = time.Unix(envl.Created, 0).UTC()
	}
	return event, nil
}
