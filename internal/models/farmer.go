package models

import "time"

// Farmer is the borrower a season is registered for. Field validation
// happens before a Farmer reaches the ledger.
type Farmer struct {
	ID         string `gorm:"primaryKey;size:36"`
	Name       string `gorm:"size:100;not null"`
	Phone      string `gorm:"size:20;uniqueIndex;not null"`
	IDDocument string `gorm:"size:50"`
	Gender     string `gorm:"size:20"`
	Age        int    `gorm:"default:30"`
	NextOfKin  string `gorm:"size:100"`
	CreatedAt  time.Time

	Seasons []Season `gorm:"foreignKey:FarmerID"`
}
