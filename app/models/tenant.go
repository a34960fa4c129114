package models

import "time"

// Tenant is one service business on the platform. Leads, schedules,
// messages and the billing record all hang off it.
type Tenant struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"type:varchar(200);not null" json:"name"`
	Slug         string    `gorm:"type:varchar(100);not null;uniqueIndex:ux_tenants_slug" json:"slug"`
	ContactEmail string    `gorm:"type:varchar(200);default:''" json:"contact_email"`
	IsActive     bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
