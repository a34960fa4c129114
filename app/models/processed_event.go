package models

import "time"

// Terminal and in-flight outcomes recorded per processed provider event.
const (
	EventOutcomePending           = "PENDING"
	EventOutcomeApplied           = "APPLIED"
	EventOutcomeIgnoredStale      = "IGNORED_STALE"
	EventOutcomeIgnoredDuplicate  = "IGNORED_DUPLICATE"
	EventOutcomeRejectedUntrusted = "REJECTED_UNTRUSTED"
	EventOutcomeRejectedMalformed = "REJECTED_MALFORMED"
)

// ProcessedEvent is the idempotency ledger: one row per provider event id,
// ever. The unique index on external_event_id is the single serialization
// point for at-least-once webhook delivery; the insert race decides which
// delivery attempt gets to process the event.
//
// Event type, refs and payload are kept on the row so a stuck PENDING
// reservation (crash between claim and finalize) can be re-evaluated by the
// pending sweep without the original request.
type ProcessedEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ExternalEventID string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_processed_events_external_id" json:"external_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	CustomerRef     string     `gorm:"type:varchar(191);not null;default:''" json:"customer_ref"`
	SubscriptionRef string     `gorm:"type:varchar(191);not null;default:''" json:"subscription_ref"`
	PayloadJSON     string     `gorm:"type:longtext" json:"payload_json"`
	Outcome         string     `gorm:"type:varchar(32);not null;default:'PENDING';index" json:"outcome"`
	OutcomeNote     string     `gorm:"type:text" json:"outcome_note"`
	ReceivedAt      time.Time  `gorm:"type:timestamp;not null" json:"received_at"`
	FinalizedAt     *time.Time `gorm:"type:timestamp;default:null" json:"finalized_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
