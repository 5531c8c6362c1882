package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// HarvestRun is the audit row written at the end of every run.
type HarvestRun struct {
	ID          uint           `gorm:"primaryKey"`
	RunID       string         `gorm:"type:varchar(64);index;not null"`
	Status      int            `gorm:"not null"`
	RecordCount *int           `gorm:"column:record_count"`
	Phase       string         `gorm:"type:varchar(32)"`
	Message     string         `gorm:"type:text"`
	Details     datatypes.JSON `gorm:"type:jsonb"`
	StartedAt   time.Time      `gorm:"not null"`
	FinishedAt  time.Time      `gorm:"not null"`
}

// TableName implements gorm's tabler.
func (HarvestRun) TableName() string {
	return "harvest_runs"
}

// Migrate creates or updates the audit table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&HarvestRun{}); err != nil {
		return fmt.Errorf("%w: migrate: %w", ErrPersistenceFailure, err)
	}
	return nil
}

// RecordRun inserts an audit row.
func (s *Store) RecordRun(ctx context.Context, run HarvestRun) error {
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("%w: record run %s: %w", ErrPersistenceFailure, run.RunID, err)
	}
	return nil
}

// Details encodes v for HarvestRun.Details. Unencodable values yield {}.
func Details(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(raw)
}
