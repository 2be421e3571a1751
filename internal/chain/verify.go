package chain

import (
	"fmt"

	"github.com/genfin/furrow/internal/models"
	"gorm.io/gorm"
)

// Report is the outcome of verifying one season's chain.
type Report struct {
	SeasonID string
	Entries  int
	Valid    bool
	BrokenAt int // sequence number of the first bad entry, -1 when valid
	Reason   string
}

// Verify walks the season's history and checks every link.
func Verify(db *gorm.DB, seasonID string) (*Report, error) {
	entries, err := Entries(db, seasonID)
	if err != nil {
		return nil, err
	}
	r := VerifyEntries(entries)
	r.SeasonID = seasonID
	return &r, nil
}

// VerifyEntries checks an ordered slice of entries: sequence numbers run
// from 0 without gaps, the first entry has an empty predecessor, each
// PrevHash matches the previous Hash, and every Hash recomputes.
func VerifyEntries(entries []models.AuditEntry) Report {
	r := Report{Entries: len(entries), Valid: true, BrokenAt: -1}
	prev := ""
	for i, e := range entries {
		switch {
		case e.Seq != i:
			r.fail(e.Seq, fmt.Sprintf("sequence gap: got %d, want %d", e.Seq, i))
		case e.PrevHash != prev:
			r.fail(e.Seq, "previous hash does not match predecessor")
		case ComputeHash(e.PrevHash, e.State, e.Note, e.RecordedAt) != e.Hash:
			r.fail(e.Seq, "hash does not match entry contents")
		}
		if !r.Valid {
			return r
		}
		prev = e.Hash
	}
	return r
}

func (r *Report) fail(seq int, reason string) {
	r.Valid = false
	r.BrokenAt = seq
	r.Reason = reason
}
