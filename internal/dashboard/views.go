package dashboard

import (
	"time"

	"github.com/genfin/furrow/internal/models"
	"github.com/genfin/furrow/internal/season"
)

type stageView struct {
	Number      int        `json:"stage_number"`
	Name        string     `json:"stage_name"`
	Status      string     `json:"status"`
	Amount      float64    `json:"disbursement_amount"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type uploadView struct {
	StageNumber int       `json:"stage_number"`
	FileType    string    `json:"file_type"`
	FileName    string    `json:"file_name"`
	PH          *float64  `json:"ph,omitempty"`
	SoilBoost   bool      `json:"soil_boost"`
	UploadedAt  time.Time `json:"upload_date"`
}

type entryView struct {
	Seq        int       `json:"seq"`
	State      string    `json:"state"`
	Note       string    `json:"note"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
	RecordedAt time.Time `json:"timestamp"`
}

type policyView struct {
	PolicyID string `json:"policy_id"`
	Status   string `json:"status"`
	Triggers string `json:"triggers"`
}

type sensorView struct {
	Source       string    `json:"source"`
	PH           *float64  `json:"ph,omitempty"`
	Moisture     *float64  `json:"moisture,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	PestDetected bool      `json:"pest_detected"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// statusView is the full picture of one season.
type statusView struct {
	SeasonID       string        `json:"season_id"`
	FarmerID       string        `json:"farmer_id"`
	Name           string        `json:"name"`
	Phone          string        `json:"phone"`
	Crop           string        `json:"crop"`
	PlotSize       float64       `json:"plot_size"`
	GeoTag         string        `json:"geo_tag"`
	StartDate      time.Time     `json:"start_date"`
	EndDate        time.Time     `json:"end_date"`
	Score          *season.Score `json:"current_status"`
	Stages         []stageView   `json:"stages"`
	Uploads        []uploadView  `json:"uploads"`
	SensorEvents   []sensorView  `json:"sensor_events"`
	PestFlag       bool          `json:"pest_flag"`
	TotalDisbursed float64       `json:"total_disbursed"`
	ContractState  string        `json:"contract_state"`
	ContractHash   string        `json:"contract_hash"`
	History        []entryView   `json:"contract_history"`
	Policy         *policyView   `json:"policy"`
	NextActionable *stageView    `json:"next_actionable"`
}

func toStageView(s models.Stage) stageView {
	return stageView{
		Number:      s.Number,
		Name:        s.Name,
		Status:      s.Status,
		Amount:      s.Amount,
		CompletedAt: s.CompletedAt,
	}
}

func toEntryView(e models.AuditEntry) entryView {
	return entryView{
		Seq:        e.Seq,
		State:      e.State,
		Note:       e.Note,
		PrevHash:   e.PrevHash,
		Hash:       e.Hash,
		RecordedAt: e.RecordedAt,
	}
}

func toPolicyView(p *models.Policy) *policyView {
	if p == nil {
		return nil
	}
	return &policyView{PolicyID: p.PolicyID, Status: p.Status, Triggers: p.Triggers}
}
