package models

import "time"

// User is a principal. A user belongs to exactly one tenant and the tenant
// assignment never changes after creation.
type User struct {
	ID           string `gorm:"primaryKey"`
	TenantID     string `gorm:"index;not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null" json:"-"`
	FirstName    string
	LastName     string
	IsAdmin      bool `gorm:"default:false"`
	CreatedAt    time.Time

	Tenant Tenant `gorm:"foreignKey:TenantID"`
}

// Tenant is the isolation boundary. Every tenant-scoped row references
// exactly one tenant.
type Tenant struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Subdomain string `gorm:"uniqueIndex;not null"`
	Active    bool   `gorm:"default:true"`
	CreatedAt time.Time
}
