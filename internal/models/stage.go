package models

import "time"

// Stage statuses, in lifecycle order.
const (
	StageLocked    = "LOCKED"
	StageUnlocked  = "UNLOCKED"
	StagePending   = "PENDING"
	StageApproved  = "APPROVED"
	StageCompleted = "COMPLETED"
)

// Stage is one of the seven ordered disbursement steps of a season.
type Stage struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	SeasonID    string  `gorm:"size:36;not null;uniqueIndex:idx_stage_season_number"`
	Number      int     `gorm:"not null;uniqueIndex:idx_stage_season_number"`
	Name        string  `gorm:"size:100;not null"`
	Status      string  `gorm:"size:16;default:LOCKED;index"`
	Amount      float64 `gorm:"not null"`
	CompletedAt *time.Time
	UpdatedAt   time.Time
}
