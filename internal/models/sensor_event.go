package models

import "time"

// Sensor event sources.
const (
	SourceManual = "manual"
	SourceSensor = "sensor"
)

// SensorEvent is a timestamped field reading or a manual pest flag.
type SensorEvent struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	SeasonID     string    `gorm:"size:36;not null;index"`
	Source       string    `gorm:"size:16;not null"`
	PH           *float64  `gorm:"column:ph"`
	Moisture     *float64  `gorm:"column:moisture"`
	Temperature  *float64  `gorm:"column:temperature"`
	PestDetected bool      `gorm:"default:false;index"`
	RecordedAt   time.Time `gorm:"precision:6"`
}
