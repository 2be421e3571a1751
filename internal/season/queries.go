package season

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/genfin/furrow/internal/chain"
	"github.com/genfin/furrow/internal/errs"
	"github.com/genfin/furrow/internal/models"
	"github.com/genfin/furrow/internal/stage"
	"gorm.io/gorm"
)

// PolicyNotGenerated is reported as the policy status of a season with no
// policy yet.
const PolicyNotGenerated = "PENDING_GENERATION"

// Summary is one row of the season listing.
type Summary struct {
	SeasonID        string  `json:"season_id"`
	FarmerID        string  `json:"farmer_id"`
	Name            string  `json:"name"`
	Phone           string  `json:"phone"`
	Crop            string  `json:"crop"`
	PlotSize        float64 `json:"plot_size"`
	StagesCompleted int     `json:"stages_completed"`
	Score           float64 `json:"score"`
	RiskBand        string  `json:"risk_band"`
	PolicyStatus    string  `json:"policy_status"`
	ChainState      string  `json:"chain_state"`
}

// Get returns a season with its farmer.
func (s *Service) Get(ctx context.Context, seasonID string) (*models.Season, error) {
	var season models.Season
	err := s.db.WithContext(ctx).Preload("Farmer").Where("id = ?", seasonID).First(&season).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("season: %w: season %s", errs.ErrNotFound, seasonID)
	}
	if err != nil {
		return nil, fmt.Errorf("season: get %s: %w", seasonID, err)
	}
	return &season, nil
}

// List summarizes every season, oldest first.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	db := s.db.WithContext(ctx)
	var seasons []models.Season
	if err := db.Preload("Farmer").Order("created_at ASC, id ASC").Find(&seasons).Error; err != nil {
		return nil, fmt.Errorf("season: list: %w", err)
	}

	out := make([]Summary, 0, len(seasons))
	for _, season := range seasons {
		sum, err := s.summarize(db, &season)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Service) summarize(db *gorm.DB, season *models.Season) (Summary, error) {
	sum := Summary{
		SeasonID:     season.ID,
		FarmerID:     season.FarmerID,
		Crop:         season.Crop,
		PlotSize:     season.PlotSize,
		PolicyStatus: PolicyNotGenerated,
	}
	if season.Farmer != nil {
		sum.Name = season.Farmer.Name
		sum.Phone = season.Farmer.Phone
	}

	stages, err := stage.List(db, season.ID)
	if err != nil {
		return sum, err
	}
	sum.StagesCompleted = stage.CompletedCount(stages)

	snap, err := latestSnapshot(db, season.ID)
	if err != nil {
		return sum, err
	}
	if snap != nil {
		sum.Score, sum.RiskBand = snap.Score, snap.RiskBand
	}

	p, err := findPolicy(db, season.ID)
	if err != nil {
		return sum, err
	}
	if p != nil {
		sum.PolicyStatus = p.Status
	}

	if sum.ChainState, err = chain.CurrentState(db, season.ID); err != nil {
		return sum, err
	}
	return sum, nil
}

// Stages returns the season's stages in order.
func (s *Service) Stages(ctx context.Context, seasonID string) ([]models.Stage, error) {
	return stage.List(s.db.WithContext(ctx), seasonID)
}

// NextActionable returns the lowest stage awaiting upload or approval, or
// nil when none is.
func (s *Service) NextActionable(ctx context.Context, seasonID string) (*models.Stage, error) {
	return stage.NextActionable(s.db.WithContext(ctx), seasonID)
}

// ChainState returns the label of the latest chain entry.
func (s *Service) ChainState(ctx context.Context, seasonID string) (string, error) {
	return chain.CurrentState(s.db.WithContext(ctx), seasonID)
}

// History iterates the season's chain from the first entry.
func (s *Service) History(ctx context.Context, seasonID string) iter.Seq2[models.AuditEntry, error] {
	return chain.History(s.db.WithContext(ctx), seasonID)
}

// VerifyChain recomputes every link of the season's chain.
func (s *Service) VerifyChain(ctx context.Context, seasonID string) (*chain.Report, error) {
	return chain.Verify(s.db.WithContext(ctx), seasonID)
}

// CurrentScore returns the latest score snapshot, or nil if the season has
// never been scored.
func (s *Service) CurrentScore(ctx context.Context, seasonID string) (*Score, error) {
	db := s.db.WithContext(ctx)
	if err := s.requireSeason(db, seasonID); err != nil {
		return nil, err
	}
	snap, err := latestSnapshot(db, seasonID)
	if err != nil || snap == nil {
		return nil, err
	}
	return decodeScore(snap)
}

// CurrentPolicy returns the season's policy, or nil if none was created.
func (s *Service) CurrentPolicy(ctx context.Context, seasonID string) (*models.Policy, error) {
	db := s.db.WithContext(ctx)
	if err := s.requireSeason(db, seasonID); err != nil {
		return nil, err
	}
	return findPolicy(db, seasonID)
}

// PestFlag reports whether any pest-flagged sensor event was ever logged
// for the season.
func (s *Service) PestFlag(ctx context.Context, seasonID string) (bool, error) {
	db := s.db.WithContext(ctx)
	if err := s.requireSeason(db, seasonID); err != nil {
		return false, err
	}
	return pestFlag(db, seasonID)
}

// TotalDisbursed sums the amounts of COMPLETED stages.
func (s *Service) TotalDisbursed(ctx context.Context, seasonID string) (float64, error) {
	stages, err := s.Stages(ctx, seasonID)
	if err != nil {
		return 0, err
	}
	return stage.TotalDisbursed(stages), nil
}

// Uploads returns the season's uploads in the order they were made.
func (s *Service) Uploads(ctx context.Context, seasonID string) ([]models.Upload, error) {
	db := s.db.WithContext(ctx)
	if err := s.requireSeason(db, seasonID); err != nil {
		return nil, err
	}
	var uploads []models.Upload
	if err := db.Where("season_id = ?", seasonID).Order("id ASC").Find(&uploads).Error; err != nil {
		return nil, fmt.Errorf("season: uploads of %s: %w", seasonID, err)
	}
	return uploads, nil
}

// SensorEvents returns the season's sensor events in the order they were
// logged.
func (s *Service) SensorEvents(ctx context.Context, seasonID string) ([]models.SensorEvent, error) {
	db := s.db.WithContext(ctx)
	if err := s.requireSeason(db, seasonID); err != nil {
		return nil, err
	}
	var events []models.SensorEvent
	if err := db.Where("season_id = ?", seasonID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("season: sensor events of %s: %w", seasonID, err)
	}
	return events, nil
}

// SeasonIDs returns the id of every season.
func (s *Service) SeasonIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.Season{}).Order("created_at ASC, id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("season: list ids: %w", err)
	}
	return ids, nil
}

func (s *Service) requireSeason(db *gorm.DB, seasonID string) error {
	var count int64
	if err := db.Model(&models.Season{}).Where("id = ?", seasonID).Count(&count).Error; err != nil {
		return fmt.Errorf("season: check %s: %w", seasonID, err)
	}
	if count == 0 {
		return fmt.Errorf("season: %w: season %s", errs.ErrNotFound, seasonID)
	}
	return nil
}

func findPolicy(db *gorm.DB, seasonID string) (*models.Policy, error) {
	var p models.Policy
	result := db.Where("season_id = ?", seasonID).Limit(1).Find(&p)
	if result.Error != nil {
		return nil, fmt.Errorf("season: policy of %s: %w", seasonID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &p, nil
}

// pestFlag reports whether any sensor event for the season detected pests.
func pestFlag(db *gorm.DB, seasonID string) (bool, error) {
	var count int64
	if err := db.Model(&models.SensorEvent{}).
		Where("season_id = ? AND pest_detected = ?", seasonID, true).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("season: pest flag of %s: %w", seasonID, err)
	}
	return count > 0, nil
}
