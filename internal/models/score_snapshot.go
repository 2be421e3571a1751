package models

import "time"

// Risk bands assigned by the scoring engine.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// ScoreSnapshot is one append-only scoring result. Factors holds the
// ordered explainability list as JSON.
type ScoreSnapshot struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	SeasonID   string    `gorm:"size:36;not null;uniqueIndex:idx_score_season_seq"`
	Seq        int       `gorm:"not null;uniqueIndex:idx_score_season_seq"`
	Score      float64   `gorm:"not null"`
	RiskBand   string    `gorm:"size:8;not null"`
	Factors    string    `gorm:"type:json"`
	RecordedAt time.Time `gorm:"precision:6"`
}
