package database

import (
	"fmt"
	"log"
	"time"

	"github.com/snapvault/backend/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Open opens a SQLite database at path, configured for concurrent use from
// the scanner, the upload workers and the API handlers. SQLite allows a single
// writer, so the connection pool is capped at one connection and WAL mode
// keeps readers from blocking behind it.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Connect opens the service database and stores the handle in DB.
func Connect(cfg *config.Config) error {
	db, err := Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	DB = db

	log.Printf("Database connected at %s", cfg.DatabasePath)
	return nil
}

func Close() {
	if DB == nil {
		return
	}
	if sqlDB, err := DB.DB(); err == nil {
		sqlDB.Close()
	}
}
