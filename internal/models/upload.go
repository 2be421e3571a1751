package models

import "time"

// Upload records evidence submitted for a stage.
type Upload struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	SeasonID    string    `gorm:"size:36;not null;index"`
	StageNumber int       `gorm:"not null"`
	FileType    string    `gorm:"size:50;not null"`
	FileName    string    `gorm:"size:255"`
	PH          *float64  `gorm:"column:ph"`
	SoilBoost   bool      `gorm:"default:false"`
	UploadedAt  time.Time `gorm:"precision:6"`
}
