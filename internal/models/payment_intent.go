package models

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentIntent records one charge request issued to the payment provider.
// Retained after processing for idempotency auditing.
type PaymentIntent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	IntentID string `gorm:"type:text;not null;uniqueIndex"` // Provider-assigned charge ID.

	UserID uint64 `gorm:"not null;index"` // Paying user ID.

	PlanKind PlanKind `gorm:"type:text;not null"` // Plan kind being purchased.
	BucketID string   `gorm:"type:text;not null"` // Target pool bucket.

	AmountMinor int64  `gorm:"not null"`           // Charge amount in minor units.
	Currency    string `gorm:"type:text;not null"` // ISO currency code.

	Processed  bool       `gorm:"not null;default:false;index"` // Flips false->true exactly once.
	RejectedAt *time.Time // Set when the provider rejected the charge.

	Metadata datatypes.JSON `gorm:"type:jsonb"` // Provider metadata echo.

	CreatedAt   time.Time  `gorm:"not null;autoCreateTime"` // Charge request timestamp.
	ProcessedAt *time.Time // Confirmation processing time.
}
