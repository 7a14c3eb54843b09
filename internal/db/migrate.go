package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/ovpnhub/accessd/internal/models"
)

// Migrate creates or updates the schema for all persisted tables.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.User{},
		&models.Credential{},
		&models.Subscription{},
		&models.PaymentIntent{},
		&models.Setting{},
	)
}
