package season

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/genfin/furrow/internal/chain"
	furrowdb "github.com/genfin/furrow/internal/db"
	"github.com/genfin/furrow/internal/errs"
	"github.com/genfin/furrow/internal/metrics"
	"github.com/genfin/furrow/internal/models"
	"github.com/genfin/furrow/internal/notify"
	"github.com/genfin/furrow/internal/stage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

var ctx = context.Background()

// fakeClock advances one second per reading.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	notifier *recordingNotifier
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := furrowdb.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := furrowdb.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	n := &recordingNotifier{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)}
	svc := New(gdb, Options{Metrics: m, Notifier: n, Now: clock.Now})
	return &fixture{svc: svc, db: gdb, notifier: n, metrics: m}
}

func (f *fixture) register(t *testing.T, phone string) *models.Season {
	t.Helper()
	s, err := f.svc.Register(ctx, RegisterOpts{Name: "Amina", Phone: phone, Crop: "maize", PlotSize: 5, Age: 30})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return s
}

// advance takes stage n from UNLOCKED to COMPLETED with a photo upload.
func (f *fixture) advance(t *testing.T, id string, n int) *stage.Disbursement {
	t.Helper()
	if _, err := f.svc.Upload(ctx, id, UploadOpts{Stage: n, FileType: "photo_evidence", FileName: "p.jpg"}); err != nil {
		t.Fatalf("Upload(%d): %v", n, err)
	}
	if _, err := f.svc.Approve(ctx, id, n); err != nil {
		t.Fatalf("Approve(%d): %v", n, err)
	}
	d, err := f.svc.Disburse(ctx, id, n)
	if err != nil {
		t.Fatalf("Disburse(%d): %v", n, err)
	}
	return d
}

func (f *fixture) entries(t *testing.T, id string) []models.AuditEntry {
	t.Helper()
	var out []models.AuditEntry
	for e, err := range f.svc.History(ctx, id) {
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func (f *fixture) labels(t *testing.T, id string) []string {
	t.Helper()
	var out []string
	for _, e := range f.entries(t, id) {
		out = append(out, e.State)
	}
	return out
}

func (f *fixture) statuses(t *testing.T, id string) []string {
	t.Helper()
	stages, err := f.svc.Stages(ctx, id)
	if err != nil {
		t.Fatalf("Stages: %v", err)
	}
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.Status
	}
	return out
}

func (f *fixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func f64(v float64) *float64 { return &v }

func TestRegister(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	if s.Farmer == nil || s.Farmer.Name != "Amina" {
		t.Fatalf("Farmer = %+v", s.Farmer)
	}
	if s.Farmer.IDDocument != "N/A" || s.Farmer.Gender != "N/A" {
		t.Errorf("farmer defaults = %q/%q, want N/A", s.Farmer.IDDocument, s.Farmer.Gender)
	}
	if got := s.EndDate.Sub(s.StartDate); got != Length {
		t.Errorf("season length = %v, want %v", got, Length)
	}

	stages, err := f.svc.Stages(ctx, s.ID)
	if err != nil {
		t.Fatalf("Stages: %v", err)
	}
	amounts := []float64{100, 350, 50, 150, 100, 150, 100}
	var total float64
	for i, st := range stages {
		if st.Amount != amounts[i] {
			t.Errorf("stage %d amount = %v, want %v", st.Number, st.Amount, amounts[i])
		}
		total += st.Amount
	}
	if total != 1000 {
		t.Errorf("total loan = %v, want 1000", total)
	}
	if got := f.statuses(t, s.ID); got[0] != models.StageUnlocked || got[1] != models.StageLocked {
		t.Errorf("statuses = %v", got)
	}

	entries := f.entries(t, s.ID)
	if len(entries) != 2 {
		t.Fatalf("chain length = %d, want 2", len(entries))
	}
	if entries[0].State != StateDraft || entries[0].Note != "Initial Registration" || entries[0].PrevHash != "" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].State != StateActive || entries[1].Note != "Contract Signed" || entries[1].PrevHash != entries[0].Hash {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	state, err := f.svc.ChainState(ctx, s.ID)
	if err != nil || state != StateActive {
		t.Errorf("ChainState = %q, %v; want ACTIVE", state, err)
	}

	score, err := f.svc.CurrentScore(ctx, s.ID)
	if err != nil {
		t.Fatalf("CurrentScore: %v", err)
	}
	if score.Score != 57.5 || score.RiskBand != models.RiskMedium || score.Seq != 0 {
		t.Errorf("score = %+v, want 57.5 MEDIUM seq 0", score)
	}
	if len(score.Factors) != 6 || score.Factors[0].Name != "Base Score" {
		t.Errorf("factors = %+v", score.Factors)
	}

	if kinds := f.notifier.kinds(); !reflect.DeepEqual(kinds, []string{EventRegister}) {
		t.Errorf("notified = %v, want [register]", kinds)
	}
	if got := testutil.ToFloat64(f.metrics.Events.WithLabelValues(EventRegister, metrics.OutcomeOK)); got != 1 {
		t.Errorf("register ok count = %v, want 1", got)
	}
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	valid := RegisterOpts{Name: "A", Phone: "1", Crop: "maize", PlotSize: 2}

	tests := []struct {
		name   string
		mutate func(o *RegisterOpts)
	}{
		{"zero plot", func(o *RegisterOpts) { o.PlotSize = 0 }},
		{"negative plot", func(o *RegisterOpts) { o.PlotSize = -3 }},
		{"missing name", func(o *RegisterOpts) { o.Name = " " }},
		{"missing phone", func(o *RegisterOpts) { o.Phone = "" }},
		{"missing crop", func(o *RegisterOpts) { o.Crop = "" }},
		{"negative age", func(o *RegisterOpts) { o.Age = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			if _, err := f.svc.Register(ctx, opts); !errors.Is(err, errs.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
	if n := f.count(t, &models.Season{}); n != 0 {
		t.Errorf("seasons = %d after rejected registrations, want 0", n)
	}
}

func TestRegister_DuplicatePhoneRollsBack(t *testing.T) {
	f := newFixture(t)
	f.register(t, "0700000001")

	_, err := f.svc.Register(ctx, RegisterOpts{Name: "B", Phone: "0700000001", Crop: "beans", PlotSize: 1})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if n := f.count(t, &models.Season{}); n != 1 {
		t.Errorf("seasons = %d, want 1", n)
	}
	if n := f.count(t, &models.AuditEntry{}); n != 2 {
		t.Errorf("audit entries = %d, want 2", n)
	}
	if got := testutil.ToFloat64(f.metrics.Events.WithLabelValues(EventRegister, metrics.OutcomeRejected)); got != 1 {
		t.Errorf("register rejected count = %v, want 1", got)
	}
}

func TestUpload_SoilTestBoost(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	up, err := f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 1, FileType: FileTypeSoilTest, FileName: "soil.pdf", PH: f64(7.0)})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !up.SoilBoost {
		t.Error("pH 7.0 should boost soil quality")
	}

	entries := f.entries(t, s.ID)
	want := []string{StateDraft, StateActive, "STAGE_1_SOIL_TEST_UPDATE", "STAGE_1_PENDING"}
	if got := f.labels(t, s.ID); !reflect.DeepEqual(got, want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}
	if entries[2].Note != "Score Boost: 5" {
		t.Errorf("soil note = %q", entries[2].Note)
	}
	if entries[3].Note != "soil_test uploaded" {
		t.Errorf("pending note = %q", entries[3].Note)
	}

	score, _ := f.svc.CurrentScore(ctx, s.ID)
	if score.Score != 62.5 || score.Seq != 1 {
		t.Errorf("score = %v seq %d, want 62.5 seq 1", score.Score, score.Seq)
	}
	if got := f.statuses(t, s.ID)[0]; got != models.StagePending {
		t.Errorf("stage 1 = %s, want PENDING", got)
	}
}

func TestUpload_SoilTestWithoutBoost(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	if _, err := f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 1, FileType: FileTypeSoilTest, PH: f64(6.5)}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	entries := f.entries(t, s.ID)
	if entries[2].State != "STAGE_1_SOIL_TEST_UPDATE" || entries[2].Note != "Score Boost: 0" {
		t.Errorf("entry 2 = %s %q", entries[2].State, entries[2].Note)
	}
	score, _ := f.svc.CurrentScore(ctx, s.ID)
	if score.Score != 57.5 || score.Seq != 1 {
		t.Errorf("score = %v seq %d, want 57.5 seq 1", score.Score, score.Seq)
	}
}

func TestUpload_EvidenceDoesNotRescore(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	if _, err := f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 1, FileType: "photo_evidence", FileName: "p.jpg"}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	want := []string{StateDraft, StateActive, "STAGE_1_PENDING"}
	if got := f.labels(t, s.ID); !reflect.DeepEqual(got, want) {
		t.Errorf("labels = %v, want %v", got, want)
	}
	if n := f.count(t, &models.ScoreSnapshot{}); n != 1 {
		t.Errorf("snapshots = %d, want 1", n)
	}
	uploads, err := f.svc.Uploads(ctx, s.ID)
	if err != nil || len(uploads) != 1 || uploads[0].FileName != "p.jpg" {
		t.Errorf("Uploads = %+v, %v", uploads, err)
	}
}

func TestUpload_SoilTestWithoutPHIsPlainEvidence(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	up, err := f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 1, FileType: FileTypeSoilTest, FileName: "lab.pdf"})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if up.SoilBoost {
		t.Error("soil test without pH should not boost")
	}
	want := []string{StateDraft, StateActive, "STAGE_1_PENDING"}
	if got := f.labels(t, s.ID); !reflect.DeepEqual(got, want) {
		t.Errorf("labels = %v, want %v", got, want)
	}
	if n := f.count(t, &models.ScoreSnapshot{}); n != 1 {
		t.Errorf("snapshots = %d, want 1", n)
	}
}

func TestUpload_Rejected(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	tests := []struct {
		name string
		opts UploadOpts
		want error
	}{
		{"locked stage", UploadOpts{Stage: 2, FileType: "photo_evidence"}, errs.ErrInvalidTransition},
		{"unknown stage", UploadOpts{Stage: 9, FileType: "photo_evidence"}, errs.ErrNotFound},
		{"missing type", UploadOpts{Stage: 1}, errs.ErrInvalidInput},
		{"bad pH", UploadOpts{Stage: 1, FileType: FileTypeSoilTest, PH: f64(15)}, errs.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Upload(ctx, s.ID, tt.opts); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if got := f.labels(t, s.ID); len(got) != 2 {
		t.Errorf("chain grew on rejected uploads: %v", got)
	}
	if n := f.count(t, &models.Upload{}); n != 0 {
		t.Errorf("uploads = %d, want 0", n)
	}

	// A second upload on a PENDING stage is a wrong source state.
	f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 1, FileType: "photo_evidence"})
	if _, err := f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 1, FileType: "photo_evidence"}); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("re-upload err = %v, want ErrInvalidTransition", err)
	}
}

func TestSoilBoostsAccumulateAcrossRecomputes(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	if _, err := f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 1, FileType: FileTypeSoilTest, PH: f64(7.0)}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	f.svc.Approve(ctx, s.ID, 1)
	if _, err := f.svc.Disburse(ctx, s.ID, 1); err != nil {
		t.Fatalf("Disburse: %v", err)
	}
	score, _ := f.svc.CurrentScore(ctx, s.ID)
	if score.Score != 62.9 {
		t.Errorf("after disbursement score = %v, want 62.9 (boost kept)", score.Score)
	}

	if _, err := f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 2, FileType: FileTypeSoilTest, PH: f64(7.2)}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	score, _ = f.svc.CurrentScore(ctx, s.ID)
	if score.Score != 67.9 {
		t.Errorf("after second boost score = %v, want 67.9", score.Score)
	}
}

func TestApprove(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	if _, err := f.svc.Approve(ctx, s.ID, 1); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("approve UNLOCKED err = %v, want ErrInvalidTransition", err)
	}
	f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 1, FileType: "photo_evidence"})
	st, err := f.svc.Approve(ctx, s.ID, 1)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if st.Status != models.StageApproved {
		t.Errorf("status = %s, want APPROVED", st.Status)
	}
	entries := f.entries(t, s.ID)
	last := entries[len(entries)-1]
	if last.State != "STAGE_1_APPROVED" || last.Note != "Field Officer Approval" {
		t.Errorf("last entry = %s %q", last.State, last.Note)
	}
}

func TestFullLifecycleWithoutPest(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	for _, n := range []int{1, 2, 3} {
		f.advance(t, s.ID, n)
	}
	d := f.advance(t, s.ID, 4)
	if !d.Skipped || d.Unlocked != 6 {
		t.Errorf("stage 4 disbursement = %+v, want skip to 6", d)
	}
	for _, n := range []int{6, 7} {
		f.advance(t, s.ID, n)
	}

	want := []string{
		StateDraft, StateActive,
		"STAGE_1_PENDING", "STAGE_1_APPROVED", "STAGE_1_COMPLETED",
		"STAGE_2_PENDING", "STAGE_2_APPROVED", "STAGE_2_COMPLETED",
		"STAGE_3_PENDING", "STAGE_3_APPROVED", StatePolicyActive, "STAGE_3_COMPLETED",
		"STAGE_4_PENDING", "STAGE_4_APPROVED", StateStage5Skipped, "STAGE_4_COMPLETED",
		"STAGE_6_PENDING", "STAGE_6_APPROVED", "STAGE_6_COMPLETED",
		"STAGE_7_PENDING", "STAGE_7_APPROVED", "STAGE_7_COMPLETED",
	}
	if got := f.labels(t, s.ID); !reflect.DeepEqual(got, want) {
		t.Fatalf("labels =\n%v\nwant\n%v", got, want)
	}

	entries := f.entries(t, s.ID)
	for _, e := range entries {
		switch e.State {
		case "STAGE_2_COMPLETED":
			if e.Note != "Disbursed $350.00" {
				t.Errorf("stage 2 note = %q", e.Note)
			}
		case StateStage5Skipped:
			if e.Note != "No Pest Event Triggered" {
				t.Errorf("skip note = %q", e.Note)
			}
		case StatePolicyActive:
			wantNote := "Policy " + PolicyID(s.ID, 2026) + " Bound after Premium Disbursement"
			if e.Note != wantNote {
				t.Errorf("policy note = %q, want %q", e.Note, wantNote)
			}
		}
	}

	got := f.statuses(t, s.ID)
	wantStatus := []string{models.StageCompleted, models.StageCompleted, models.StageCompleted,
		models.StageCompleted, models.StageLocked, models.StageCompleted, models.StageCompleted}
	if !reflect.DeepEqual(got, wantStatus) {
		t.Errorf("statuses = %v, want %v", got, wantStatus)
	}

	total, err := f.svc.TotalDisbursed(ctx, s.ID)
	if err != nil || total != 900 {
		t.Errorf("TotalDisbursed = %v, %v; want 900", total, err)
	}
	next, err := f.svc.NextActionable(ctx, s.ID)
	if err != nil || next != nil {
		t.Errorf("NextActionable = %+v, %v; want none", next, err)
	}

	score, _ := f.svc.CurrentScore(ctx, s.ID)
	if score.Score != 60.1 || score.Seq != 6 {
		t.Errorf("final score = %v seq %d, want 60.1 seq 6", score.Score, score.Seq)
	}

	report, err := f.svc.VerifyChain(ctx, s.ID)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !report.Valid || report.Entries != len(want) {
		t.Errorf("verify = %+v", report)
	}
	for i, e := range entries {
		prev := ""
		if i > 0 {
			prev = entries[i-1].Hash
		}
		if e.PrevHash != prev || e.Hash != chain.ComputeHash(prev, e.State, e.Note, e.RecordedAt) {
			t.Errorf("entry %d does not link", i)
		}
	}

	if got := testutil.ToFloat64(f.metrics.Disbursed); got != 900 {
		t.Errorf("disbursed metric = %v, want 900", got)
	}
}

func TestDisburse_PriorPestFlagUnlocksStage5(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")
	for _, n := range []int{1, 2, 3} {
		f.advance(t, s.ID, n)
	}

	// A flagged reading logged while stage 5 could not be unlocked.
	ev := models.SensorEvent{SeasonID: s.ID, Source: models.SourceSensor, PestDetected: true, RecordedAt: time.Now()}
	if err := f.db.Create(&ev).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}

	d := f.advance(t, s.ID, 4)
	if d.Skipped || d.Unlocked != 5 {
		t.Errorf("disbursement = %+v, want stage 5 unlocked", d)
	}
	for _, l := range f.labels(t, s.ID) {
		if l == StateStage5Skipped {
			t.Error("unexpected STAGE_5_SKIPPED entry")
		}
	}
	next, _ := f.svc.NextActionable(ctx, s.ID)
	if next == nil || next.Number != 5 {
		t.Errorf("NextActionable = %+v, want stage 5", next)
	}
}

func TestDisburse_Stage3CreatesOneActivePolicy(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	p, err := f.svc.CurrentPolicy(ctx, s.ID)
	if err != nil || p != nil {
		t.Fatalf("CurrentPolicy before stage 3 = %+v, %v", p, err)
	}
	for _, n := range []int{1, 2, 3} {
		f.advance(t, s.ID, n)
	}

	p, err = f.svc.CurrentPolicy(ctx, s.ID)
	if err != nil || p == nil {
		t.Fatalf("CurrentPolicy = %+v, %v", p, err)
	}
	if p.Status != models.PolicyActive {
		t.Errorf("status = %s, want ACTIVE", p.Status)
	}
	if p.PolicyID != PolicyID(s.ID, 2026) {
		t.Errorf("policy id = %s", p.PolicyID)
	}
	if p.Triggers != `{"rainfall":"<10mm"}` {
		t.Errorf("triggers = %s", p.Triggers)
	}
	if n := f.count(t, &models.Policy{}); n != 1 {
		t.Errorf("policies = %d, want 1", n)
	}
}

func TestBindPolicy(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	p, err := f.svc.BindPolicy(ctx, s.ID)
	if err != nil {
		t.Fatalf("BindPolicy: %v", err)
	}
	if p.Status != models.PolicyActive {
		t.Errorf("status = %s, want ACTIVE", p.Status)
	}
	entries := f.entries(t, s.ID)
	last := entries[len(entries)-1]
	if last.State != StatePolicyActive || last.Note != "Policy "+p.PolicyID+" Bound" {
		t.Errorf("last entry = %s %q", last.State, last.Note)
	}

	if _, err := f.svc.BindPolicy(ctx, s.ID); !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("second bind err = %v, want ErrInvalidState", err)
	}
	if got := len(f.entries(t, s.ID)); got != len(entries) {
		t.Errorf("chain grew on rejected bind: %d -> %d", len(entries), got)
	}

	// Stage 3 reuses the bound policy.
	for _, n := range []int{1, 2, 3} {
		f.advance(t, s.ID, n)
	}
	if n := f.count(t, &models.Policy{}); n != 1 {
		t.Errorf("policies = %d, want 1", n)
	}
}

func TestCheckInsuranceTrigger(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	if _, err := f.svc.CheckInsuranceTrigger(ctx, s.ID, 5); !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("no policy err = %v, want ErrInvalidState", err)
	}
	if _, err := f.svc.CheckInsuranceTrigger(ctx, s.ID, -1); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("negative rainfall err = %v, want ErrInvalidInput", err)
	}
	if _, err := f.svc.BindPolicy(ctx, s.ID); err != nil {
		t.Fatalf("BindPolicy: %v", err)
	}

	before := len(f.entries(t, s.ID))
	claimed, err := f.svc.CheckInsuranceTrigger(ctx, s.ID, 20)
	if err != nil || claimed {
		t.Errorf("rainfall 20 = %v, %v; want no claim", claimed, err)
	}
	if p, _ := f.svc.CurrentPolicy(ctx, s.ID); p.Status != models.PolicyActive {
		t.Errorf("status after 20mm = %s, want ACTIVE", p.Status)
	}
	if got := len(f.entries(t, s.ID)); got != before {
		t.Errorf("chain grew without a claim")
	}

	claimed, err = f.svc.CheckInsuranceTrigger(ctx, s.ID, 5)
	if err != nil || !claimed {
		t.Fatalf("rainfall 5 = %v, %v; want claim", claimed, err)
	}
	if p, _ := f.svc.CurrentPolicy(ctx, s.ID); p.Status != models.PolicyClaimed {
		t.Errorf("status after 5mm = %s, want CLAIMED", p.Status)
	}
	entries := f.entries(t, s.ID)
	last := entries[len(entries)-1]
	if last.State != StateDroughtClaim || last.Note != "Rainfall was 5mm" {
		t.Errorf("last entry = %s %q", last.State, last.Note)
	}

	if _, err := f.svc.CheckInsuranceTrigger(ctx, s.ID, 1); !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("claimed policy err = %v, want ErrInvalidState", err)
	}
}

func TestDisburse_Stage3ReactivatesClaimedPolicy(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")
	if _, err := f.svc.BindPolicy(ctx, s.ID); err != nil {
		t.Fatalf("BindPolicy: %v", err)
	}
	if claimed, err := f.svc.CheckInsuranceTrigger(ctx, s.ID, 5); err != nil || !claimed {
		t.Fatalf("CheckInsuranceTrigger = %v, %v", claimed, err)
	}

	for _, n := range []int{1, 2, 3} {
		f.advance(t, s.ID, n)
	}
	p, err := f.svc.CurrentPolicy(ctx, s.ID)
	if err != nil || p == nil {
		t.Fatalf("CurrentPolicy = %+v, %v", p, err)
	}
	if p.Status != models.PolicyActive {
		t.Errorf("status = %s, want ACTIVE", p.Status)
	}
	labels := f.labels(t, s.ID)
	var actives int
	for _, l := range labels {
		if l == StatePolicyActive {
			actives++
		}
	}
	if actives != 2 {
		t.Errorf("POLICY_ACTIVE entries = %d, want 2 (bind and premium)", actives)
	}
	want := []string{StatePolicyActive, "STAGE_3_COMPLETED"}
	if got := labels[len(labels)-2:]; !reflect.DeepEqual(got, want) {
		t.Errorf("last labels = %v, want %v", got, want)
	}
	if n := f.count(t, &models.Policy{}); n != 1 {
		t.Errorf("policies = %d, want 1", n)
	}
}

func TestPolicyID_SeasonsSharingPrefix(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "0700000001")

	// A second season whose id shares the first segment of a's id.
	twin := models.Season{
		ID:        a.ID[:9] + "0000-4000-8000-000000000000",
		FarmerID:  a.FarmerID,
		Crop:      "beans",
		PlotSize:  2,
		StartDate: a.StartDate,
		EndDate:   a.EndDate,
	}
	if err := f.db.Create(&twin).Error; err != nil {
		t.Fatalf("create twin season: %v", err)
	}

	pTwin, err := f.svc.BindPolicy(ctx, twin.ID)
	if err != nil {
		t.Fatalf("BindPolicy(twin): %v", err)
	}
	pA, err := f.svc.BindPolicy(ctx, a.ID)
	if err != nil {
		t.Fatalf("BindPolicy(a): %v", err)
	}
	if pA.PolicyID == pTwin.PolicyID {
		t.Errorf("policy ids collide: %s", pA.PolicyID)
	}
	if pA.PolicyID != "POL-"+a.ID+"-2026" {
		t.Errorf("policy id = %s", pA.PolicyID)
	}
}

func TestTransact_ReleasesLockOnPanic(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		f.svc.apply(ctx, EventApprove, s.ID, func(*txn) error {
			panic("boom")
		})
	}()

	if n := f.svc.locks.size(); n != 0 {
		t.Errorf("lock entries after panic = %d, want 0", n)
	}
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 1, FileType: "photo_evidence"})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Upload after panic: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("season lock still held after panic")
	}
}

func TestPestEvent(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	unlocked, err := f.svc.PestEvent(ctx, s.ID, models.SourceManual)
	if err != nil || !unlocked {
		t.Fatalf("PestEvent = %v, %v; want unlocked", unlocked, err)
	}
	if got := f.statuses(t, s.ID)[4]; got != models.StageUnlocked {
		t.Errorf("stage 5 = %s, want UNLOCKED", got)
	}
	entries := f.entries(t, s.ID)
	if last := entries[len(entries)-1]; last.State != StatePestFlagged {
		t.Errorf("last entry = %s, want PEST_EVENT_FLAGGED", last.State)
	}

	unlocked, err = f.svc.PestEvent(ctx, s.ID, models.SourceManual)
	if err != nil || unlocked {
		t.Errorf("second PestEvent = %v, %v; want no-op", unlocked, err)
	}
	if got := len(f.entries(t, s.ID)); got != len(entries) {
		t.Errorf("chain grew on idempotent pest event")
	}
	events, _ := f.svc.SensorEvents(ctx, s.ID)
	if len(events) != 2 {
		t.Errorf("sensor events = %d, want 2", len(events))
	}
	flag, err := f.svc.PestFlag(ctx, s.ID)
	if err != nil || !flag {
		t.Errorf("PestFlag = %v, %v", flag, err)
	}

	if _, err := f.svc.PestEvent(ctx, s.ID, "drone"); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("bad source err = %v, want ErrInvalidInput", err)
	}
}

func TestIngestSensorReading(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")
	hot := Reading{Temperature: f64(40), Moisture: f64(10)}

	ev, unlocked, err := f.svc.IngestSensorReading(ctx, s.ID, hot)
	if err != nil {
		t.Fatalf("IngestSensorReading: %v", err)
	}
	if !ev.PestDetected || !unlocked {
		t.Errorf("pest = %v unlocked = %v, want true true", ev.PestDetected, unlocked)
	}
	_, unlocked, err = f.svc.IngestSensorReading(ctx, s.ID, hot)
	if err != nil || unlocked {
		t.Errorf("second ingest unlocked = %v, %v; want false", unlocked, err)
	}

	var triggers int
	for _, l := range f.labels(t, s.ID) {
		if l == StatePestAutoTrigger {
			triggers++
		}
	}
	if triggers != 1 {
		t.Errorf("PEST_EVENT_AUTO_TRIGGER entries = %d, want 1", triggers)
	}
	entries := f.entries(t, s.ID)
	if last := entries[len(entries)-1]; last.Note != "IoT Sensor Alert" {
		t.Errorf("trigger note = %q", last.Note)
	}
}

func TestIngestSensorReading_NoPest(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")

	ev, unlocked, err := f.svc.IngestSensorReading(ctx, s.ID, Reading{Temperature: f64(30), Moisture: f64(40), PH: f64(6.8)})
	if err != nil {
		t.Fatalf("IngestSensorReading: %v", err)
	}
	if ev.PestDetected || unlocked {
		t.Errorf("pest = %v unlocked = %v, want false false", ev.PestDetected, unlocked)
	}
	if ev.PH == nil || *ev.PH != 6.8 {
		t.Errorf("PH = %v", ev.PH)
	}
	if got := f.labels(t, s.ID); len(got) != 2 {
		t.Errorf("labels = %v, want registration only", got)
	}
	if flag, _ := f.svc.PestFlag(ctx, s.ID); flag {
		t.Error("PestFlag should be false")
	}

	if _, _, err := f.svc.IngestSensorReading(ctx, s.ID, Reading{Moisture: f64(120)}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("bad moisture err = %v, want ErrInvalidInput", err)
	}
}

func TestReading_PestDetected(t *testing.T) {
	tests := []struct {
		name string
		r    Reading
		want bool
	}{
		{"hot and dry", Reading{Temperature: f64(40), Moisture: f64(10)}, true},
		{"boundary temperature", Reading{Temperature: f64(35), Moisture: f64(10)}, false},
		{"boundary moisture", Reading{Temperature: f64(40), Moisture: f64(15)}, false},
		{"missing moisture", Reading{Temperature: f64(40)}, false},
		{"missing temperature", Reading{Moisture: f64(5)}, false},
		{"empty", Reading{}, false},
	}
	for _, tt := range tests {
		if got := tt.r.PestDetected(); got != tt.want {
			t.Errorf("%s: PestDetected = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestUnknownSeason(t *testing.T) {
	f := newFixture(t)
	const ghost = "00000000-0000-0000-0000-000000000000"

	ops := map[string]func() error{
		"upload":    func() error { _, err := f.svc.Upload(ctx, ghost, UploadOpts{Stage: 1, FileType: "x"}); return err },
		"approve":   func() error { _, err := f.svc.Approve(ctx, ghost, 1); return err },
		"disburse":  func() error { _, err := f.svc.Disburse(ctx, ghost, 1); return err },
		"pest":      func() error { _, err := f.svc.PestEvent(ctx, ghost, models.SourceManual); return err },
		"sensor":    func() error { _, _, err := f.svc.IngestSensorReading(ctx, ghost, Reading{}); return err },
		"insurance": func() error { _, err := f.svc.CheckInsuranceTrigger(ctx, ghost, 5); return err },
		"bind":      func() error { _, err := f.svc.BindPolicy(ctx, ghost); return err },
		"get":       func() error { _, err := f.svc.Get(ctx, ghost); return err },
		"stages":    func() error { _, err := f.svc.Stages(ctx, ghost); return err },
		"score":     func() error { _, err := f.svc.CurrentScore(ctx, ghost); return err },
		"policy":    func() error { _, err := f.svc.CurrentPolicy(ctx, ghost); return err },
		"chain":     func() error { _, err := f.svc.ChainState(ctx, ghost); return err },
		"uploads":   func() error { _, err := f.svc.Uploads(ctx, ghost); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, errs.ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", name, err)
		}
	}
	if n := f.count(t, &models.SensorEvent{}); n != 0 {
		t.Errorf("sensor events = %d, want 0", n)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "0700000001")
	b := f.register(t, "0700000002")
	f.advance(t, b.ID, 1)
	f.svc.BindPolicy(ctx, b.ID)

	list, err := f.svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	byID := map[string]Summary{}
	for _, s := range list {
		byID[s.SeasonID] = s
	}
	if got := byID[a.ID]; got.StagesCompleted != 0 || got.PolicyStatus != PolicyNotGenerated || got.Score != 57.5 || got.ChainState != StateActive {
		t.Errorf("summary a = %+v", got)
	}
	if got := byID[b.ID]; got.StagesCompleted != 1 || got.PolicyStatus != models.PolicyActive || got.ChainState != StatePolicyActive {
		t.Errorf("summary b = %+v", got)
	}
	if byID[a.ID].Name != "Amina" || byID[a.ID].Phone != "0700000001" {
		t.Errorf("farmer fields = %+v", byID[a.ID])
	}

	ids, err := f.svc.SeasonIDs(ctx)
	if err != nil || len(ids) != 2 {
		t.Errorf("SeasonIDs = %v, %v", ids, err)
	}
}

func TestScoreIsReproducible(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")
	f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 1, FileType: FileTypeSoilTest, PH: f64(7.1)})

	season, err := f.svc.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	a, err := compute(f.db, season, season.Farmer)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	b, _ := compute(f.db, season, season.Farmer)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("compute differs: %+v vs %+v", a, b)
	}
	current, _ := f.svc.CurrentScore(ctx, s.ID)
	if current.Score != a.Score || current.RiskBand != a.RiskBand || !reflect.DeepEqual(current.Factors, a.Factors) {
		t.Errorf("stored %+v != recomputed %+v", current, a)
	}
}

// failOnState makes any insert of an audit entry with the given state fail.
func failOnState(t *testing.T, gdb *gorm.DB, state string) {
	t.Helper()
	err := gdb.Callback().Create().Before("gorm:create").Register("test:fail_audit", func(tx *gorm.DB) {
		if e, ok := tx.Statement.Dest.(*models.AuditEntry); ok && e.State == state {
			tx.AddError(errors.New("injected audit failure"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
}

func TestEventRollsBackOnChainFailure(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")
	for _, n := range []int{1, 2, 3} {
		f.advance(t, s.ID, n)
	}
	f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 4, FileType: "photo_evidence"})
	f.svc.Approve(ctx, s.ID, 4)

	beforeLabels := f.labels(t, s.ID)
	beforeStatuses := f.statuses(t, s.ID)
	beforeScore, _ := f.svc.CurrentScore(ctx, s.ID)
	notified := len(f.notifier.kinds())

	// STAGE_5_SKIPPED is written before STAGE_4_COMPLETED fails.
	failOnState(t, f.db, "STAGE_4_COMPLETED")
	if _, err := f.svc.Disburse(ctx, s.ID, 4); err == nil {
		t.Fatal("expected injected failure")
	}

	if got := f.labels(t, s.ID); !reflect.DeepEqual(got, beforeLabels) {
		t.Errorf("chain changed:\n%v\nwant\n%v", got, beforeLabels)
	}
	if got := f.statuses(t, s.ID); !reflect.DeepEqual(got, beforeStatuses) {
		t.Errorf("statuses changed: %v, want %v", got, beforeStatuses)
	}
	score, _ := f.svc.CurrentScore(ctx, s.ID)
	if score.Seq != beforeScore.Seq {
		t.Errorf("score snapshot written: seq %d, want %d", score.Seq, beforeScore.Seq)
	}
	if len(f.notifier.kinds()) != notified {
		t.Error("notification sent for a rolled back event")
	}
	if got := testutil.ToFloat64(f.metrics.Events.WithLabelValues(EventDisburse, metrics.OutcomeError)); got != 1 {
		t.Errorf("disburse error count = %v, want 1", got)
	}
}

func TestConcurrentDisburseOnOneSeason(t *testing.T) {
	f := newFixture(t)
	s := f.register(t, "0700000001")
	f.svc.Upload(ctx, s.ID, UploadOpts{Stage: 1, FileType: "photo_evidence"})
	f.svc.Approve(ctx, s.ID, 1)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Disburse(ctx, s.ID, 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if !errors.Is(err, errs.ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful disbursements = %d, want 1", successes)
	}
	var completed int
	for _, l := range f.labels(t, s.ID) {
		if l == "STAGE_1_COMPLETED" {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("STAGE_1_COMPLETED entries = %d, want 1", completed)
	}
	if n := f.svc.locks.size(); n != 0 {
		t.Errorf("lock entries left = %d, want 0", n)
	}
}

func TestConcurrentSeasonsStayIndependent(t *testing.T) {
	f := newFixture(t)
	const seasons = 4
	ids := make([]string, seasons)
	for i := range ids {
		ids[i] = f.register(t, "07000000"+string(rune('a'+i))).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for _, n := range []int{1, 2, 3} {
				if _, err := f.svc.Upload(ctx, id, UploadOpts{Stage: n, FileType: "photo_evidence"}); err != nil {
					t.Errorf("upload %d: %v", n, err)
					return
				}
				if _, err := f.svc.Approve(ctx, id, n); err != nil {
					t.Errorf("approve %d: %v", n, err)
					return
				}
				if _, err := f.svc.Disburse(ctx, id, n); err != nil {
					t.Errorf("disburse %d: %v", n, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		report, err := f.svc.VerifyChain(ctx, id)
		if err != nil {
			t.Fatalf("season %s verify: %v", id, err)
		}
		if !report.Valid {
			t.Errorf("season %s chain = %+v", id, report)
		}
		if report.Entries != 2+3*3+1 {
			t.Errorf("season %s entries = %d, want 12", id, report.Entries)
		}
		total, _ := f.svc.TotalDisbursed(ctx, id)
		if total != 500 {
			t.Errorf("season %s disbursed = %v, want 500", id, total)
		}
	}
}
