package models

import "time"

// Billing lifecycle statuses. The transition engine is the only writer of
// BillingRecord.Status; provisioning and trial start are the entry points.
const (
	BillingStatusNone         = "none"
	BillingStatusTrialPending = "trial_pending"
	BillingStatusTrialActive  = "trial_active"
	BillingStatusActive       = "active"
	BillingStatusPastDue      = "past_due"
	BillingStatusCanceled     = "canceled"
)

// Payment authorities. Only external_processor allows webhook-driven
// activation; manual and waived accounts are driven by admin actions.
const (
	PaymentAuthorityNone              = "none"
	PaymentAuthorityExternalProcessor = "external_processor"
	PaymentAuthorityManual            = "manual"
	PaymentAuthorityWaived            = "waived"
)

// BillingRecord holds the current subscription lifecycle state of a tenant,
// one row per tenant. ExternalSubscriptionRef is written by checkout
// initiation and by activation transitions only; a cancellation event whose
// subscription ref does not match it must never touch this row.
type BillingRecord struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	TenantID                uint       `gorm:"not null;uniqueIndex:ux_billing_records_tenant" json:"tenant_id"`
	Status                  string     `gorm:"type:varchar(32);not null;default:'none';index" json:"status"`
	PaymentAuthority        string     `gorm:"type:varchar(32);not null;default:'none'" json:"payment_authority"`
	ExternalCustomerRef     *string    `gorm:"type:varchar(191);default:null;index" json:"external_customer_ref,omitempty"`
	ExternalSubscriptionRef *string    `gorm:"type:varchar(191);default:null;index" json:"external_subscription_ref,omitempty"`
	TrialStartedAt          *time.Time `gorm:"type:timestamp;default:null" json:"trial_started_at,omitempty"`
	TrialEndsAt             *time.Time `gorm:"type:timestamp;default:null" json:"trial_ends_at,omitempty"`
	SubscriptionStartedAt   *time.Time `gorm:"type:timestamp;default:null" json:"subscription_started_at,omitempty"`
	CanceledAt              *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	LastEventType           string     `gorm:"type:varchar(100);not null;default:''" json:"last_event_type"`
	LastEventAt             *time.Time `gorm:"type:timestamp;default:null" json:"last_event_at,omitempty"`
	CreatedAt               time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsBillable reports whether the tenant currently has service access from a
// billing point of view.
func IsBillable(status string) bool {
	switch status {
	case BillingStatusTrialActive, BillingStatusActive, BillingStatusPastDue:
		return true
	default:
		return false
	}
}
