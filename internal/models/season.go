package models

import "time"

// Season is one in-progress loan cycle for a farmer and plot.
type Season struct {
	ID        string  `gorm:"primaryKey;size:36"`
	FarmerID  string  `gorm:"size:36;not null;index"`
	Crop      string  `gorm:"size:50"`
	PlotSize  float64 `gorm:"not null"`
	GeoTag    string  `gorm:"size:100"`
	StartDate time.Time
	EndDate   time.Time
	CreatedAt time.Time

	Farmer *Farmer `gorm:"foreignKey:FarmerID"`
	Stages []Stage `gorm:"foreignKey:SeasonID"`
}
