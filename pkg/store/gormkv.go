package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DerivedValue is one key of the derived-result store.
type DerivedValue struct {
	Name      string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

// GormKV is a persistent key-value store for cached derived results. Several
// processes may open the same file; each notices the others' writes by
// polling.
type GormKV struct {
	db *gorm.DB
}

func NewGormKV(dbPath string) (*GormKV, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cache database: %w", err)
	}
	if err := db.AutoMigrate(&DerivedValue{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache schema: %w", err)
	}
	return &GormKV{db: db}, nil
}

func (k *GormKV) Get(ctx context.Context, key string) (string, bool, error) {
	var v DerivedValue
	err := k.db.WithContext(ctx).Where("name = ?", key).Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v.Value, true, nil
}

func (k *GormKV) Set(ctx context.Context, key, value string) error {
	v := DerivedValue{Name: key, Value: value}
	err := k.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&v).Error
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (k *GormKV) Delete(ctx context.Context, key string) error {
	if err := k.db.WithContext(ctx).Where("name = ?", key).Delete(&DerivedValue{}).Error; err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix. LIKE is avoided
// because '_' is a wildcard there and common in key names.
func (k *GormKV) DeletePrefix(ctx context.Context, prefix string) error {
	err := k.db.WithContext(ctx).
		Where("substr(name, 1, ?) = ?", len(prefix), prefix).
		Delete(&DerivedValue{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete prefix %s: %w", prefix, err)
	}
	return nil
}

func (k *GormKV) Close() error {
	sqlDB, err := k.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
