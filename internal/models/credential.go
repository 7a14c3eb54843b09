package models

import "time"

// Credential represents one access string in a pool bucket.
type Credential struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	BucketID string `gorm:"type:text;not null;index"`       // Plan duration + region bucket.
	Value    string `gorm:"type:text;not null;uniqueIndex"` // Opaque access string.

	Claimed bool `gorm:"not null;default:false;index"` // Whether a user holds the credential.
	Banned  bool `gorm:"not null;default:false"`       // Permanently unusable when set.

	HolderUserID *uint64 `gorm:"index"`                   // Holding user, nil while free.
	Holder       *User   `gorm:"foreignKey:HolderUserID"` // Holding user record.

	CreatedAt time.Time  `gorm:"not null;autoCreateTime"` // Seeding timestamp.
	ClaimedAt *time.Time // Claim time, if claimed.
}
