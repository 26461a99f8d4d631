package models

import "time"

// User is the persisted identity row.
type User struct {
	ID        string         `gorm:"primaryKey"` // UUID
	Name      string
	Avatar    string
	Email     string         `gorm:"index"`
	Guest     bool           `gorm:"not null"`
	Online    bool           `gorm:"not null"` // last known value only
	Links     []ProviderLink `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Devices   []Device       `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProviderLink ties a user to one provider account. A (provider, subject)
// pair belongs to at most one user.
type ProviderLink struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index;not null"`
	Provider  string `gorm:"uniqueIndex:idx_provider_subject;not null"` // e.g., "google", "steam"
	Subject   string `gorm:"uniqueIndex:idx_provider_subject;not null"`
	Claims    string // JSON blob of the raw provider claims
	CreatedAt time.Time
}

// Device is an issued resume token. Token is indexed but not unique so a
// token found on several users can be detected and revoked.
type Device struct {
	ID       uint   `gorm:"primaryKey"`
	UserID   string `gorm:"index;not null"`
	Token    string `gorm:"index;not null"`
	Provider string
	IssuedAt time.Time
	Addr     string
	Agent    string
}
