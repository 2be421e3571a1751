// Package stage owns the seven ordered disbursement stages of a season and
// the rules for moving a stage from LOCKED through to COMPLETED.
package stage

import (
	"errors"
	"fmt"
	"time"

	"github.com/genfin/furrow/internal/errs"
	"github.com/genfin/furrow/internal/models"
	"gorm.io/gorm"
)

// Count is the number of stages every season carries.
const Count = 7

// ConditionalStage is only funded when a pest event has been flagged.
const ConditionalStage = 5

// DefaultRatePerAcre sizes the total loan: plot size times this rate.
const DefaultRatePerAcre = 200

// Step describes one entry of the stage catalogue.
type Step struct {
	Number  int
	Name    string
	Percent float64
}

// Plan is the fixed stage catalogue. Percentages sum to 100.
var Plan = [Count]Step{
	{1, "Soil Test", 10},
	{2, "Inputs (Seed/Fertilizer)", 35},
	{3, "Insurance Premium", 5},
	{4, "Weeding/Maintenance", 15},
	{5, "Pest Control (Conditional)", 10},
	{6, "Packaging", 15},
	{7, "Transport/Marketing", 10},
}

// ValidTransitions maps each status to the only status it may move to.
// Stage 5 skipping is a guard on the successor rule in Disburse, not an
// edge in this table.
var ValidTransitions = map[string]string{
	models.StageLocked:   models.StageUnlocked,
	models.StageUnlocked: models.StagePending,
	models.StagePending:  models.StageApproved,
	models.StageApproved: models.StageCompleted,
}

// PestGuard reports whether the season currently holds a pest flag. It is
// consulted only when disbursing the stage before ConditionalStage.
type PestGuard func() (bool, error)

// Disbursement is the result of completing a stage.
type Disbursement struct {
	Stage    models.Stage
	Amount   float64
	Unlocked int  // stage number unlocked as a successor, 0 if none
	Skipped  bool // ConditionalStage was passed over
}

// Amounts splits plotSize*rate across the catalogue. The last stage takes
// the remainder so the amounts always sum to the total exactly.
func Amounts(plotSize, rate float64) [Count]float64 {
	total := plotSize * rate
	var out [Count]float64
	var sum float64
	for i, s := range Plan {
		if i == Count-1 {
			out[i] = total - sum
			break
		}
		out[i] = total * s.Percent / 100
		sum += out[i]
	}
	return out
}

// Initialize creates the seven stages for a season. Stage 1 starts
// UNLOCKED and the rest LOCKED.
func Initialize(tx *gorm.DB, seasonID string, plotSize, rate float64) ([]models.Stage, error) {
	if plotSize <= 0 {
		return nil, fmt.Errorf("stage: %w: plot size must be positive, got %v", errs.ErrInvalidInput, plotSize)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("stage: %w: rate per acre must be positive, got %v", errs.ErrInvalidInput, rate)
	}
	if err := requireSeason(tx, seasonID); err != nil {
		return nil, err
	}

	var existing int64
	if err := tx.Model(&models.Stage{}).Where("season_id = ?", seasonID).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("stage: count stages of %s: %w", seasonID, err)
	}
	if existing > 0 {
		return nil, fmt.Errorf("stage: %w: season %s already has stages", errs.ErrInvalidInput, seasonID)
	}

	amounts := Amounts(plotSize, rate)
	stages := make([]models.Stage, 0, Count)
	for i, s := range Plan {
		status := models.StageLocked
		if s.Number == 1 {
			status = models.StageUnlocked
		}
		stages = append(stages, models.Stage{
			SeasonID: seasonID,
			Number:   s.Number,
			Name:     s.Name,
			Status:   status,
			Amount:   amounts[i],
		})
	}
	if err := tx.Create(&stages).Error; err != nil {
		return nil, fmt.Errorf("stage: create stages of %s: %w", seasonID, err)
	}
	return stages, nil
}

// List returns the season's stages ordered by number.
func List(db *gorm.DB, seasonID string) ([]models.Stage, error) {
	var stages []models.Stage
	if err := db.Where("season_id = ?", seasonID).Order("number ASC").Find(&stages).Error; err != nil {
		return nil, fmt.Errorf("stage: list %s: %w", seasonID, err)
	}
	if len(stages) == 0 {
		if err := requireSeason(db, seasonID); err != nil {
			return nil, err
		}
	}
	return stages, nil
}

// Get returns one stage of a season.
func Get(db *gorm.DB, seasonID string, number int) (*models.Stage, error) {
	var st models.Stage
	err := db.Where("season_id = ? AND number = ?", seasonID, number).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("stage: %w: stage %d of season %s", errs.ErrNotFound, number, seasonID)
	}
	if err != nil {
		return nil, fmt.Errorf("stage: get %d of %s: %w", number, seasonID, err)
	}
	return &st, nil
}

// RecordUpload moves an UNLOCKED stage to PENDING.
func RecordUpload(tx *gorm.DB, seasonID string, number int) (*models.Stage, error) {
	return transition(tx, seasonID, number, models.StageUnlocked, nil)
}

// Approve moves a PENDING stage to APPROVED.
func Approve(tx *gorm.DB, seasonID string, number int) (*models.Stage, error) {
	return transition(tx, seasonID, number, models.StagePending, nil)
}

// Disburse moves an APPROVED stage to COMPLETED, stamps the completion time
// and unlocks the successor if it is still LOCKED. When the successor is
// ConditionalStage and pest reports no flag, that stage stays LOCKED and the
// one after it is unlocked instead.
func Disburse(tx *gorm.DB, seasonID string, number int, now time.Time, pest PestGuard) (*Disbursement, error) {
	completedAt := now.UTC()
	st, err := transition(tx, seasonID, number, models.StageApproved, &completedAt)
	if err != nil {
		return nil, err
	}
	d := &Disbursement{Stage: *st, Amount: st.Amount}

	next := number + 1
	if next > Count {
		return d, nil
	}
	succ, err := Get(tx, seasonID, next)
	if err != nil {
		return nil, err
	}
	if succ.Status != models.StageLocked {
		return d, nil
	}

	if next == ConditionalStage {
		flagged, err := pest()
		if err != nil {
			return nil, fmt.Errorf("stage: evaluate pest flag for %s: %w", seasonID, err)
		}
		if !flagged {
			d.Skipped = true
			next = ConditionalStage + 1
			if succ, err = Get(tx, seasonID, next); err != nil {
				return nil, err
			}
			if succ.Status != models.StageLocked {
				return d, nil
			}
		}
	}

	if _, err := transition(tx, seasonID, next, models.StageLocked, nil); err != nil {
		return nil, err
	}
	d.Unlocked = next
	return d, nil
}

// ForceUnlockPest unlocks ConditionalStage if it is LOCKED. It reports
// whether anything changed; a stage already unlocked or beyond is left as
// is.
func ForceUnlockPest(tx *gorm.DB, seasonID string) (bool, error) {
	st, err := Get(tx, seasonID, ConditionalStage)
	if err != nil {
		return false, err
	}
	if st.Status != models.StageLocked {
		return false, nil
	}
	if _, err := transition(tx, seasonID, ConditionalStage, models.StageLocked, nil); err != nil {
		return false, err
	}
	return true, nil
}

// NextActionable returns the lowest-numbered stage that is UNLOCKED or
// PENDING, or nil when no stage is in flight.
func NextActionable(db *gorm.DB, seasonID string) (*models.Stage, error) {
	if err := requireSeason(db, seasonID); err != nil {
		return nil, err
	}
	var st models.Stage
	result := db.Where("season_id = ? AND status IN ?", seasonID, []string{models.StageUnlocked, models.StagePending}).
		Order("number ASC").
		Limit(1).
		Find(&st)
	if result.Error != nil {
		return nil, fmt.Errorf("stage: next actionable of %s: %w", seasonID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &st, nil
}

// CompletedCount counts COMPLETED stages.
func CompletedCount(stages []models.Stage) int {
	n := 0
	for _, s := range stages {
		if s.Status == models.StageCompleted {
			n++
		}
	}
	return n
}

// TotalDisbursed sums the amounts of COMPLETED stages.
func TotalDisbursed(stages []models.Stage) float64 {
	var total float64
	for _, s := range stages {
		if s.Status == models.StageCompleted {
			total += s.Amount
		}
	}
	return total
}

// transition moves a stage from the given status to its successor status.
// completedAt is stamped when the target is COMPLETED.
func transition(tx *gorm.DB, seasonID string, number int, from string, completedAt *time.Time) (*models.Stage, error) {
	st, err := Get(tx, seasonID, number)
	if err != nil {
		return nil, err
	}
	if st.Status != from {
		return nil, fmt.Errorf("stage: %w: stage %d of season %s is %s, want %s",
			errs.ErrInvalidTransition, number, seasonID, st.Status, from)
	}
	to := ValidTransitions[from]

	updates := map[string]interface{}{"status": to}
	if to == models.StageCompleted && completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	result := tx.Model(&models.Stage{}).Where("id = ? AND status = ?", st.ID, from).Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("stage: update %d of %s: %w", number, seasonID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("stage: %w: stage %d of season %s changed concurrently", errs.ErrInvalidTransition, number, seasonID)
	}

	st.Status = to
	if to == models.StageCompleted {
		st.CompletedAt = completedAt
	}
	return st, nil
}

// requireSeason fails with NotFound when the season does not exist.
func requireSeason(db *gorm.DB, seasonID string) error {
	var count int64
	if err := db.Model(&models.Season{}).Where("id = ?", seasonID).Count(&count).Error; err != nil {
		return fmt.Errorf("stage: check season %s: %w", seasonID, err)
	}
	if count == 0 {
		return fmt.Errorf("stage: %w: season %s", errs.ErrNotFound, seasonID)
	}
	return nil
}
