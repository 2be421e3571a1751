package models

import "time"

// Policy statuses.
const (
	PolicyPending = "PENDING"
	PolicyActive  = "ACTIVE"
	PolicyClaimed = "CLAIMED"
)

// Policy is the parametric insurance cover bound to a season.
type Policy struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SeasonID  string `gorm:"size:36;not null;uniqueIndex"`
	PolicyID  string `gorm:"size:64;uniqueIndex;not null"`
	Triggers  string `gorm:"type:json"`
	Status    string `gorm:"size:16;default:PENDING"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
