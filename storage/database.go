package storage

import (
	"context"
	"fmt"
	"rentals-server/logging"
	"rentals-server/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Connect opens the Postgres database behind dsn.
func Connect(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates every table the service uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Amenity{},
		&models.Property{},
		&models.PropertyImage{},
		&models.PropertyBlock{},
		&models.Reservation{},
		&models.PaymentPlan{},
		&models.Installment{},
		&models.Payment{},
		&models.WebhookEvent{},
		&models.Conversation{},
		&models.Message{},
		&models.Notification{},
		&models.AuditLog{},
	)
}

// InitializeDB connects, migrates and publishes the handle as DB.
func InitializeDB(dsn string) (*gorm.DB, error) {
	db, err := Connect(dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	DB = db
	logging.Log.Info("database ready")
	return db, nil
}

// Ping checks that the database answers.
func Ping(ctx context.Context) error {
	if DB == nil {
		return fmt.Errorf("database not initialised")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
