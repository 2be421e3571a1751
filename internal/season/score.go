package season

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/genfin/furrow/internal/models"
	"github.com/genfin/furrow/internal/scoring"
	"gorm.io/gorm"
)

// Score is a decoded score snapshot.
type Score struct {
	Seq        int              `json:"seq"`
	Score      float64          `json:"score"`
	RiskBand   string           `json:"risk_band"`
	Factors    []scoring.Factor `json:"factors"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// compute scores the season as it stands in db. Soil boosts are the number
// of boosting soil tests ever uploaded, so they accumulate across uploads.
func compute(db *gorm.DB, season *models.Season, farmer *models.Farmer) (scoring.Result, error) {
	var completed, boosts int64
	if err := db.Model(&models.Stage{}).
		Where("season_id = ? AND status = ?", season.ID, models.StageCompleted).
		Count(&completed).Error; err != nil {
		return scoring.Result{}, fmt.Errorf("season: count completed stages: %w", err)
	}
	if err := db.Model(&models.Upload{}).
		Where("season_id = ? AND soil_boost = ?", season.ID, true).
		Count(&boosts).Error; err != nil {
		return scoring.Result{}, fmt.Errorf("season: count soil boosts: %w", err)
	}

	in := scoring.Input{
		FarmerAge:       farmer.Age,
		CompletedStages: int(completed),
		SoilBoosts:      int(boosts),
	}
	if season.PlotSize > 0 {
		plot := season.PlotSize
		in.PlotSize = &plot
	}
	return scoring.Compute(in), nil
}

// rescore appends a new score snapshot for the season.
func (t *txn) rescore() (*models.ScoreSnapshot, error) {
	res, err := compute(t.tx, &t.season, &t.farmer)
	if err != nil {
		return nil, err
	}
	factors, err := json.Marshal(res.Factors)
	if err != nil {
		return nil, fmt.Errorf("season: encode factors: %w", err)
	}

	last, err := latestSnapshot(t.tx, t.season.ID)
	if err != nil {
		return nil, err
	}
	seq := 0
	if last != nil {
		seq = last.Seq + 1
	}

	snap := models.ScoreSnapshot{
		SeasonID:   t.season.ID,
		Seq:        seq,
		Score:      res.Score,
		RiskBand:   res.RiskBand,
		Factors:    string(factors),
		RecordedAt: t.now,
	}
	if err := t.tx.Create(&snap).Error; err != nil {
		return nil, fmt.Errorf("season: write score snapshot: %w", err)
	}
	return &snap, nil
}

func latestSnapshot(db *gorm.DB, seasonID string) (*models.ScoreSnapshot, error) {
	var snap models.ScoreSnapshot
	result := db.Where("season_id = ?", seasonID).Order("seq DESC").Limit(1).Find(&snap)
	if result.Error != nil {
		return nil, fmt.Errorf("season: latest score of %s: %w", seasonID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &snap, nil
}

func decodeScore(snap *models.ScoreSnapshot) (*Score, error) {
	s := &Score{
		Seq:        snap.Seq,
		Score:      snap.Score,
		RiskBand:   snap.RiskBand,
		Factors:    []scoring.Factor{},
		RecordedAt: snap.RecordedAt,
	}
	if snap.Factors != "" {
		if err := json.Unmarshal([]byte(snap.Factors), &s.Factors); err != nil {
			return nil, fmt.Errorf("season: decode factors of snapshot %d: %w", snap.Seq, err)
		}
	}
	return s, nil
}
