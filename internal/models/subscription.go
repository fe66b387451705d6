package models

import (
	"time"

	"gorm.io/datatypes"
)

// AppOnlyOwner is the owner id of subscriptions created with the application's own identity
const AppOnlyOwner = "APP-ONLY"

// Subscription is a publisher-side change subscription tracked locally.
// Expiry is enforced by the publisher; ExpiresAt is informational only.
type Subscription struct {
	ID        string            `gorm:"primaryKey;size:128" json:"id"`
	OwnerID   string            `gorm:"index:idx_subscription_owner;size:256;not null" json:"ownerId"`
	Resource  string            `json:"resource,omitempty"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (Subscription) TableName() string {
	return "subscriptions"
}

// IsAppOnly reports whether the subscription belongs to the application rather than a user
func (s *Subscription) IsAppOnly() bool {
	return s.OwnerID == AppOnlyOwner
}
