package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type SQLConfig struct {
	// Driver is either "sqlite" or "postgres".
	Driver string `json:"driver" env:"SQL_DRIVER" env-default:"sqlite"`
	DSN    string `json:"dsn" env:"SQL_DSN"`
}

type cacheItem struct {
	Key       string `gorm:"primaryKey;size:191"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (cacheItem) TableName() string {
	return "cache_items"
}

// SQLStore keeps items in a single table, one row per key.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens the configured database and migrates the items table.
func OpenSQLStore(config *SQLConfig) (*SQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("sql dsn is empty")
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	default:
		return nil, fmt.Errorf("%v is not a supported sql driver", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Driver, err)
	}

	slog.Info("Opened sql database", "driver", config.Driver)
	return NewSQLStore(db)
}

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&cacheItem{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache items: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) GetItem(key string) (string, error) {
	var item cacheItem
	err := s.db.Where(map[string]any{"key": key}).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", err
	}
	return item.Value, nil
}

func (s *SQLStore) SetItem(key string, value string) error {
	item := cacheItem{Key: key, Value: value}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&item).Error
}

func (s *SQLStore) RemoveItem(key string) error {
	return s.db.Where(map[string]any{"key": key}).Delete(&cacheItem{}).Error
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
