package reconcile

import (
	"time"

	"github.com/mkarlsen/CrewDesk/app/models"
)

// Provider event types understood by the guard pipeline. Payload parsing is
// the webhook controller's job; by the time an event reaches the engine it
// carries only these fields.
const (
	EventTrialStarted         = "trial_started"
	EventCheckoutCompleted    = "checkout_completed"
	EventInvoicePaid          = "invoice_paid"
	EventInvoicePaymentFailed = "invoice_payment_failed"
	EventSubscriptionDeleted  = "subscription_deleted"
)

// InboundEvent is a signature-verified, parsed provider notification.
// CustomerRef and SubscriptionRef are the provider's resource identity; free
// text metadata from the payload is never used for tenant resolution.
type InboundEvent struct {
	ExternalEventID string `validate:"required,max=191"`
	EventType       string `validate:"required,max=100"`
	CustomerRef     string `validate:"max=191"`
	SubscriptionRef string `validate:"max=191"`
	OccurredAt      time.Time
	PayloadJSON     string
}

// targetStatuses maps each event type to the lifecycle status it drives the
// tenant towards. Unknown event types have no target and are rejected as
// malformed.
var targetStatuses = map[string]string{
	EventTrialStarted:         models.BillingStatusTrialActive,
	EventCheckoutCompleted:    models.BillingStatusActive,
	EventInvoicePaid:          models.BillingStatusActive,
	EventInvoicePaymentFailed: models.BillingStatusPastDue,
	EventSubscriptionDeleted:  models.BillingStatusCanceled,
}

// semanticGroups clusters event types that a provider emits for one
// real-world transition. checkout_completed and the first invoice_paid both
// mean "subscription started" and arrive seconds apart.
var semanticGroups = map[string]string{
	EventCheckoutCompleted: "subscription_started",
	EventInvoicePaid:       "subscription_started",
	EventTrialStarted:      "trial_started",
}

// TargetStatus returns the status an event type drives towards.
func TargetStatus(eventType string) (string, bool) {
	target, ok := targetStatuses[eventType]
	return target, ok
}

// SemanticGroup returns the dedup group of an event type, or "" if the type
// has no causally linked siblings.
func SemanticGroup(eventType string) string {
	return semanticGroups[eventType]
}

// IsActivationEvent reports whether the event's effect is to activate
// billing. Activation is gated on payment authority this system set during
// checkout initiation, never on anything the event claims.
func IsActivationEvent(eventType string) bool {
	switch eventType {
	case EventTrialStarted, EventCheckoutCompleted, EventInvoicePaid:
		return true
	default:
		return false
	}
}

// IsDestructiveEvent reports whether the event tears billing down. Such
// events must name the subscription currently on record to take effect.
func IsDestructiveEvent(eventType string) bool {
	return eventType == EventSubscriptionDeleted
}
