// Package chain maintains the append-only, hash-linked audit log of each
// season. Every entry commits to its predecessor's hash, so any edit to a
// stored entry breaks verification from that point on.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/genfin/furrow/internal/errs"
	"github.com/genfin/furrow/internal/models"
	"gorm.io/gorm"
)

// StateNone is reported by CurrentState for a season with no entries.
const StateNone = "NONE"

// pageSize bounds how many entries History loads per query.
const pageSize = 100

// ComputeHash returns the hex SHA-256 of prev, state, note and ts joined by
// newlines. ts is rendered as RFC 3339 with nanoseconds in UTC.
func ComputeHash(prev, state, note string, ts time.Time) string {
	var b strings.Builder
	b.WriteString(prev)
	b.WriteString("\n")
	b.WriteString(state)
	b.WriteString("\n")
	b.WriteString(note)
	b.WriteString("\n")
	b.WriteString(ts.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Append links a new entry onto the season's chain. Callers pass the
// transaction that carries the rest of the event so the entry commits or
// rolls back with it.
func Append(tx *gorm.DB, seasonID, state, note string, ts time.Time) (*models.AuditEntry, error) {
	if err := requireSeason(tx, seasonID); err != nil {
		return nil, err
	}

	last, err := Latest(tx, seasonID)
	if err != nil {
		return nil, err
	}
	prev, seq := "", 0
	if last != nil {
		prev, seq = last.Hash, last.Seq+1
	}

	// Stored timestamps keep microseconds on every supported driver.
	ts = ts.UTC().Truncate(time.Microsecond)
	entry := models.AuditEntry{
		SeasonID:   seasonID,
		Seq:        seq,
		PrevHash:   prev,
		State:      state,
		Note:       note,
		RecordedAt: ts,
		Hash:       ComputeHash(prev, state, note, ts),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("chain: append %s to %s: %w", state, seasonID, err)
	}
	return &entry, nil
}

// Latest returns the most recent entry of a season, or nil when the chain
// is empty. It does not check that the season exists.
func Latest(db *gorm.DB, seasonID string) (*models.AuditEntry, error) {
	var last models.AuditEntry
	result := db.Where("season_id = ?", seasonID).Order("seq DESC").Limit(1).Find(&last)
	if result.Error != nil {
		return nil, fmt.Errorf("chain: latest entry of %s: %w", seasonID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &last, nil
}

// CurrentState returns the state label of the season's latest entry, or
// StateNone when nothing has been appended yet.
func CurrentState(db *gorm.DB, seasonID string) (string, error) {
	if err := requireSeason(db, seasonID); err != nil {
		return "", err
	}
	last, err := Latest(db, seasonID)
	if err != nil {
		return "", err
	}
	if last == nil {
		return StateNone, nil
	}
	return last.State, nil
}

// History yields the season's entries in append order. The sequence is
// lazy (entries are fetched a page at a time) and can be ranged over again
// to re-query. An unknown season yields a single NotFound error.
func History(db *gorm.DB, seasonID string) iter.Seq2[models.AuditEntry, error] {
	return func(yield func(models.AuditEntry, error) bool) {
		if err := requireSeason(db, seasonID); err != nil {
			yield(models.AuditEntry{}, err)
			return
		}
		after := -1
		for {
			var page []models.AuditEntry
			if err := db.Where("season_id = ? AND seq > ?", seasonID, after).
				Order("seq ASC").
				Limit(pageSize).
				Find(&page).Error; err != nil {
				yield(models.AuditEntry{}, fmt.Errorf("chain: history of %s: %w", seasonID, err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				after = e.Seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// Entries collects the full history of a season.
func Entries(db *gorm.DB, seasonID string) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	for e, err := range History(db, seasonID) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// requireSeason fails with NotFound when the season does not exist.
func requireSeason(db *gorm.DB, seasonID string) error {
	var count int64
	if err := db.Model(&models.Season{}).Where("id = ?", seasonID).Count(&count).Error; err != nil {
		return fmt.Errorf("chain: check season %s: %w", seasonID, err)
	}
	if count == 0 {
		return fmt.Errorf("chain: %w: season %s", errs.ErrNotFound, seasonID)
	}
	return nil
}
