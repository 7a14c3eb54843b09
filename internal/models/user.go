package models

import "time"

// User represents a registered front-end user.
type User struct {
	UserID uint64 `gorm:"primaryKey"` // Front-end user ID.

	Username  string `gorm:"type:text"`          // Front-end handle, if any.
	FirstName string `gorm:"type:text;not null"` // Display name.

	IsBanned bool `gorm:"not null;default:false;index"` // Blocks activation requests.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Registration timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
