package models

import "time"

// AuditEntry is one immutable link of a season's hash chain. Seq orders
// entries within a season; the highest Seq is the current state.
type AuditEntry struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	SeasonID   string    `gorm:"size:36;not null;uniqueIndex:idx_audit_season_seq"`
	Seq        int       `gorm:"not null;uniqueIndex:idx_audit_season_seq"`
	PrevHash   string    `gorm:"size:64"`
	State      string    `gorm:"size:64;not null"`
	Note       string    `gorm:"type:text"`
	RecordedAt time.Time `gorm:"precision:6;not null"`
	Hash       string    `gorm:"size:64;not null"`
}
