// Package persist mirrors ledger mutations to durable storage. The hot
// matching path schedules mutations on a bounded queue; a worker applies them
// to the store, with a synchronous fallback when the worker is unhealthy.
package persist

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store is the durable-storage contract. Implementations must be safe for
// concurrent use: mutations arrive from the worker and from sync fallbacks.
type Store interface {
	ConfirmFill(positionID uuid.UUID, price decimal.Decimal, at time.Time) error
	MarkFailed(positionID uuid.UUID, reason string) error
	CreateRiskState(positionID uuid.UUID, peakPrice decimal.Decimal, at time.Time) error
}

// PositionRecord is the persisted view of a position's lifecycle.
type PositionRecord struct {
	ID         string          `gorm:"primaryKey;size:36"`
	Status     string          `gorm:"size:16;index"`
	FillPrice  decimal.Decimal `gorm:"type:decimal(20,8)"`
	FilledAt   *time.Time
	FailReason string `gorm:"size:255"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RiskStateRecord seeds trailing-risk tracking for a filled position.
type RiskStateRecord struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	PositionID string          `gorm:"size:36;index"`
	PeakPrice  decimal.Decimal `gorm:"type:decimal(20,8)"`
	CreatedAt  time.Time
}

// GormStore implements Store on a gorm-managed database.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a sqlite-backed store at path and migrates
// the schema.
func OpenSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.AutoMigrate(&PositionRecord{}, &RiskStateRecord{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &GormStore{db: db}, nil
}

// ConfirmFill updates only the fill columns so an earlier failure reason is
// not erased. A position seen for the first time is created.
func (s *GormStore) ConfirmFill(positionID uuid.UUID, price decimal.Decimal, at time.Time) error {
	res := s.db.Model(&PositionRecord{}).
		Where("id = ?", positionID.String()).
		Updates(map[string]interface{}{
			"status":     "filled",
			"fill_price": price,
			"filled_at":  at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.db.Create(&PositionRecord{
			ID:        positionID.String(),
			Status:    "filled",
			FillPrice: price,
			FilledAt:  &at,
		}).Error
	}
	return nil
}

// MarkFailed updates only the status and reason columns; recorded fill data
// survives a later failure mark.
func (s *GormStore) MarkFailed(positionID uuid.UUID, reason string) error {
	res := s.db.Model(&PositionRecord{}).
		Where("id = ?", positionID.String()).
		Updates(map[string]interface{}{
			"status":      "failed",
			"fail_reason": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.db.Create(&PositionRecord{
			ID:         positionID.String(),
			Status:     "failed",
			FailReason: reason,
		}).Error
	}
	return nil
}

func (s *GormStore) CreateRiskState(positionID uuid.UUID, peakPrice decimal.Decimal, at time.Time) error {
	rec := RiskStateRecord{
		PositionID: positionID.String(),
		PeakPrice:  peakPrice,
		CreatedAt:  at,
	}
	return s.db.Create(&rec).Error
}

// Position loads one persisted position record.
func (s *GormStore) Position(positionID uuid.UUID) (PositionRecord, error) {
	var rec PositionRecord
	err := s.db.First(&rec, "id = ?", positionID.String()).Error
	return rec, err
}
