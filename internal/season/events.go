package season

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/genfin/furrow/internal/errs"
	"github.com/genfin/furrow/internal/models"
	"github.com/genfin/furrow/internal/stage"
	"github.com/google/uuid"
)

// FileTypeSoilTest marks an upload that may carry a pH reading.
const FileTypeSoilTest = "soil_test"

const (
	soilBoostPH     = 6.5 // pH above this boosts soil quality
	soilBoostPoints = 5
	insuranceStage  = 3
	droughtRainfall = 10.0 // mm; below this a drought claim triggers
)

// RegisterOpts holds the farmer and plot details of a new season.
type RegisterOpts struct {
	Name       string
	Phone      string
	IDDocument string
	Gender     string
	Age        int // default 30
	NextOfKin  string
	Crop       string
	PlotSize   float64 // acres
	GeoTag     string
}

// UploadOpts describes evidence submitted for a stage.
type UploadOpts struct {
	Stage    int
	FileType string
	FileName string
	PH       *float64 // soil tests only
}

// Reading is one field sensor reading. Missing values fall back to neutral
// defaults when deriving the pest flag.
type Reading struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Moisture    *float64 `json:"moisture,omitempty"`
	PH          *float64 `json:"ph,omitempty"`
}

// PestDetected reports whether the reading indicates a pest event: hot and
// dry, temperature above 35 with moisture below 15.
func (r Reading) PestDetected() bool {
	temp, moisture := 30.0, 25.0
	if r.Temperature != nil {
		temp = *r.Temperature
	}
	if r.Moisture != nil {
		moisture = *r.Moisture
	}
	return temp > 35 && moisture < 15
}

// Register creates a farmer, their season and its stages, opens the chain
// with DRAFT and ACTIVE, and writes the initial score.
func (s *Service) Register(ctx context.Context, opts RegisterOpts) (*models.Season, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	seasonID := uuid.NewString()
	t, err := s.transact(ctx, EventRegister, seasonID, func(t *txn) error {
		var taken int64
		if err := t.tx.Model(&models.Farmer{}).Where("phone = ?", opts.Phone).Count(&taken).Error; err != nil {
			return fmt.Errorf("season: check phone: %w", err)
		}
		if taken > 0 {
			return fmt.Errorf("season: %w: phone %s is already registered", errs.ErrInvalidInput, opts.Phone)
		}

		t.farmer = models.Farmer{
			ID:         uuid.NewString(),
			Name:       opts.Name,
			Phone:      opts.Phone,
			IDDocument: opts.IDDocument,
			Gender:     opts.Gender,
			Age:        opts.Age,
			NextOfKin:  opts.NextOfKin,
		}
		if err := t.tx.Create(&t.farmer).Error; err != nil {
			return fmt.Errorf("season: create farmer: %w", err)
		}

		t.season = models.Season{
			ID:        seasonID,
			FarmerID:  t.farmer.ID,
			Crop:      opts.Crop,
			PlotSize:  opts.PlotSize,
			GeoTag:    opts.GeoTag,
			StartDate: t.now,
			EndDate:   t.now.Add(Length),
		}
		if err := t.tx.Create(&t.season).Error; err != nil {
			return fmt.Errorf("season: create season: %w", err)
		}

		if _, err := stage.Initialize(t.tx, seasonID, opts.PlotSize, s.rate); err != nil {
			return err
		}
		if err := t.append(StateDraft, "Initial Registration"); err != nil {
			return err
		}
		if err := t.append(StateActive, "Contract Signed"); err != nil {
			return err
		}
		_, err := t.rescore()
		return err
	})
	if err != nil {
		return nil, err
	}
	season := t.season
	season.Farmer = &t.farmer
	return &season, nil
}

func (o *RegisterOpts) validate() error {
	var problems []string
	if strings.TrimSpace(o.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(o.Phone) == "" {
		problems = append(problems, "phone is required")
	}
	if strings.TrimSpace(o.Crop) == "" {
		problems = append(problems, "crop is required")
	}
	if !(o.PlotSize > 0) || math.IsInf(o.PlotSize, 0) {
		problems = append(problems, fmt.Sprintf("plot size must be positive, got %v", o.PlotSize))
	}
	if o.Age < 0 {
		problems = append(problems, fmt.Sprintf("age must not be negative, got %d", o.Age))
	}
	if len(problems) > 0 {
		return fmt.Errorf("season: %w: %s", errs.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func (o *RegisterOpts) applyDefaults() {
	if o.Age == 0 {
		o.Age = 30
	}
	if o.IDDocument == "" {
		o.IDDocument = "N/A"
	}
	if o.Gender == "" {
		o.Gender = "N/A"
	}
	if o.NextOfKin == "" {
		o.NextOfKin = "N/A"
	}
	if o.GeoTag == "" {
		o.GeoTag = "0.0,0.0"
	}
}

// Upload records evidence for an UNLOCKED stage and moves it to PENDING. A
// soil test carrying a pH value rescores the season first; a pH above 6.5
// counts as one more soil quality boost.
func (s *Service) Upload(ctx context.Context, seasonID string, opts UploadOpts) (*models.Upload, error) {
	if strings.TrimSpace(opts.FileType) == "" {
		return nil, fmt.Errorf("season: %w: file type is required", errs.ErrInvalidInput)
	}
	if opts.PH != nil && (*opts.PH < 0 || *opts.PH > 14 || math.IsNaN(*opts.PH)) {
		return nil, fmt.Errorf("season: %w: pH %v is outside 0-14", errs.ErrInvalidInput, *opts.PH)
	}

	var up models.Upload
	_, err := s.apply(ctx, EventUpload, seasonID, func(t *txn) error {
		if _, err := stage.RecordUpload(t.tx, seasonID, opts.Stage); err != nil {
			return err
		}

		soilTest := opts.FileType == FileTypeSoilTest && opts.PH != nil
		up = models.Upload{
			SeasonID:    seasonID,
			StageNumber: opts.Stage,
			FileType:    opts.FileType,
			FileName:    opts.FileName,
			PH:          opts.PH,
			SoilBoost:   soilTest && *opts.PH > soilBoostPH,
			UploadedAt:  t.now,
		}
		if err := t.tx.Create(&up).Error; err != nil {
			return fmt.Errorf("season: record upload: %w", err)
		}

		if soilTest {
			boost := 0
			if up.SoilBoost {
				boost = soilBoostPoints
			}
			if _, err := t.rescore(); err != nil {
				return err
			}
			if err := t.append(stageState(opts.Stage, "SOIL_TEST_UPDATE"), fmt.Sprintf("Score Boost: %d", boost)); err != nil {
				return err
			}
		}
		return t.append(stageState(opts.Stage, "PENDING"), opts.FileType+" uploaded")
	})
	if err != nil {
		return nil, err
	}
	return &up, nil
}

// Approve records field officer approval of a PENDING stage.
func (s *Service) Approve(ctx context.Context, seasonID string, number int) (*models.Stage, error) {
	var st *models.Stage
	_, err := s.apply(ctx, EventApprove, seasonID, func(t *txn) error {
		var err error
		if st, err = stage.Approve(t.tx, seasonID, number); err != nil {
			return err
		}
		return t.append(stageState(number, "APPROVED"), "Field Officer Approval")
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Disburse pays out an APPROVED stage. Paying the insurance premium stage
// binds the season's policy, and the stage 5 skip is decided against the
// pest flag as it stands now.
func (s *Service) Disburse(ctx context.Context, seasonID string, number int) (*stage.Disbursement, error) {
	var d *stage.Disbursement
	_, err := s.apply(ctx, EventDisburse, seasonID, func(t *txn) error {
		var err error
		d, err = stage.Disburse(t.tx, seasonID, number, t.now, func() (bool, error) {
			return pestFlag(t.tx, seasonID)
		})
		if err != nil {
			return err
		}

		if number == insuranceStage {
			if err := t.activatePolicyAfterPremium(); err != nil {
				return err
			}
		}
		if d.Skipped {
			if err := t.append(StateStage5Skipped, "No Pest Event Triggered"); err != nil {
				return err
			}
		}
		if err := t.append(stageState(number, "COMPLETED"), fmt.Sprintf("Disbursed $%.2f", d.Amount)); err != nil {
			return err
		}
		if _, err := t.rescore(); err != nil {
			return err
		}
		t.disbursed = d.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// PestEvent flags a pest event from source (manual or sensor) and unlocks
// stage 5 if it is still LOCKED. It reports whether stage 5 was unlocked;
// when it was not, no chain entry is written.
func (s *Service) PestEvent(ctx context.Context, seasonID, source string) (bool, error) {
	if source != models.SourceManual && source != models.SourceSensor {
		return false, fmt.Errorf("season: %w: pest event source %q", errs.ErrInvalidInput, source)
	}
	var unlocked bool
	_, err := s.apply(ctx, EventPest, seasonID, func(t *txn) error {
		ev := models.SensorEvent{SeasonID: seasonID, Source: source, PestDetected: true, RecordedAt: t.now}
		if err := t.tx.Create(&ev).Error; err != nil {
			return fmt.Errorf("season: record pest event: %w", err)
		}
		var err error
		unlocked, err = t.unlockPest(source)
		return err
	})
	return unlocked, err
}

// IngestSensorReading stores a field reading. A reading that indicates pests
// while stage 5 is LOCKED unlocks it as a sensor pest event.
func (s *Service) IngestSensorReading(ctx context.Context, seasonID string, r Reading) (*models.SensorEvent, bool, error) {
	if r.PH != nil && (*r.PH < 0 || *r.PH > 14) {
		return nil, false, fmt.Errorf("season: %w: pH %v is outside 0-14", errs.ErrInvalidInput, *r.PH)
	}
	if r.Moisture != nil && (*r.Moisture < 0 || *r.Moisture > 100) {
		return nil, false, fmt.Errorf("season: %w: moisture %v is outside 0-100", errs.ErrInvalidInput, *r.Moisture)
	}

	var (
		ev       models.SensorEvent
		unlocked bool
	)
	_, err := s.apply(ctx, EventSensor, seasonID, func(t *txn) error {
		ev = models.SensorEvent{
			SeasonID:     seasonID,
			Source:       models.SourceSensor,
			PH:           r.PH,
			Moisture:     r.Moisture,
			Temperature:  r.Temperature,
			PestDetected: r.PestDetected(),
			RecordedAt:   t.now,
		}
		if err := t.tx.Create(&ev).Error; err != nil {
			return fmt.Errorf("season: record sensor reading: %w", err)
		}
		if !ev.PestDetected {
			return nil
		}
		var err error
		unlocked, err = t.unlockPest(models.SourceSensor)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return &ev, unlocked, nil
}

// CheckInsuranceTrigger evaluates the drought trigger of the season's ACTIVE
// policy. Rainfall below 10mm claims the policy; it reports whether a claim
// was made.
func (s *Service) CheckInsuranceTrigger(ctx context.Context, seasonID string, rainfall float64) (bool, error) {
	if rainfall < 0 || math.IsNaN(rainfall) {
		return false, fmt.Errorf("season: %w: rainfall must not be negative, got %v", errs.ErrInvalidInput, rainfall)
	}
	var claimed bool
	_, err := s.apply(ctx, EventInsurance, seasonID, func(t *txn) error {
		var p models.Policy
		result := t.tx.Where("season_id = ? AND status = ?", seasonID, models.PolicyActive).Limit(1).Find(&p)
		if result.Error != nil {
			return fmt.Errorf("season: find active policy: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("season: %w: no active policy for season %s", errs.ErrInvalidState, seasonID)
		}
		if rainfall >= droughtRainfall {
			return nil
		}
		if err := t.tx.Model(&p).Update("status", models.PolicyClaimed).Error; err != nil {
			return fmt.Errorf("season: claim policy %s: %w", p.PolicyID, err)
		}
		claimed = true
		return t.append(StateDroughtClaim, "Rainfall was "+strconv.FormatFloat(rainfall, 'f', -1, 64)+"mm")
	})
	return claimed, err
}

// BindPolicy creates the season's policy if needed and makes it ACTIVE. An
// already ACTIVE policy is an InvalidState error.
func (s *Service) BindPolicy(ctx context.Context, seasonID string) (*models.Policy, error) {
	var p *models.Policy
	_, err := s.apply(ctx, EventBind, seasonID, func(t *txn) error {
		var err error
		if p, err = t.ensurePolicy(); err != nil {
			return err
		}
		if p.Status == models.PolicyActive {
			return fmt.Errorf("season: %w: policy %s is already active", errs.ErrInvalidState, p.PolicyID)
		}
		if err := t.setPolicyActive(p); err != nil {
			return err
		}
		return t.append(StatePolicyActive, fmt.Sprintf("Policy %s Bound", p.PolicyID))
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// unlockPest force-unlocks stage 5 and, when it changed, appends the pest
// entry for source.
func (t *txn) unlockPest(source string) (bool, error) {
	changed, err := stage.ForceUnlockPest(t.tx, t.season.ID)
	if err != nil || !changed {
		return false, err
	}
	state, note := StatePestFlagged, "Field Officer Trigger"
	if source == models.SourceSensor {
		state, note = StatePestAutoTrigger, "IoT Sensor Alert"
	}
	return true, t.append(state, note)
}

// activatePolicyAfterPremium binds the policy once the premium is paid,
// whatever its previous status.
func (t *txn) activatePolicyAfterPremium() error {
	p, err := t.ensurePolicy()
	if err != nil {
		return err
	}
	if err := t.setPolicyActive(p); err != nil {
		return err
	}
	return t.append(StatePolicyActive, fmt.Sprintf("Policy %s Bound after Premium Disbursement", p.PolicyID))
}
