package models

import "time"

// BillingEventStat aggregates processed-event outcomes per day. Rows are
// written by the counter flush, not by the reconciliation path.
type BillingEventStat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	StatDate  string    `gorm:"type:varchar(10);not null;index:ux_billing_event_stats_date_outcome,unique,priority:1" json:"stat_date"`
	Outcome   string    `gorm:"type:varchar(32);not null;index:ux_billing_event_stats_date_outcome,unique,priority:2" json:"outcome"`
	Count     int64     `gorm:"not null;default:0" json:"count"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
