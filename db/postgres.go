// Package db opens the relational database and applies the schema
// migrations on boot.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/config"
	"nitro.evalgo.org/index"
	"nitro.evalgo.org/registry"
	"nitro.evalgo.org/repository"
)

// Open connects to the configured database with production pool settings.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	handle, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := handle.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return handle, nil
}

// Migrate applies the forward-only schema migrations for every table the
// core reads.
func Migrate(handle *gorm.DB) error {
	return handle.AutoMigrate(
		&auth.User{},
		&auth.AuthToken{},
		&auth.UserRepositoryAction{},
		&registry.StorageRecord{},
		&repository.Record{},
		&repository.ConfigRecord{},
		&index.Project{},
		&index.ProjectVersion{},
	)
}
