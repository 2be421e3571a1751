// Package season orchestrates a loan season's lifecycle. Each external event
// moves the stage ledger, appends to the hash chain and refreshes the score
// inside one transaction, serialized per season.
package season

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/genfin/furrow/internal/chain"
	"github.com/genfin/furrow/internal/errs"
	"github.com/genfin/furrow/internal/metrics"
	"github.com/genfin/furrow/internal/models"
	"github.com/genfin/furrow/internal/notify"
	"github.com/genfin/furrow/internal/stage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Event kinds, used as metric labels and notification kinds.
const (
	EventRegister  = "register"
	EventUpload    = "upload"
	EventApprove   = "approve"
	EventDisburse  = "disburse"
	EventPest      = "pest"
	EventSensor    = "sensor"
	EventInsurance = "insurance"
	EventBind      = "bind"
)

// Chain state labels that are not tied to a stage number.
const (
	StateDraft           = "DRAFT"
	StateActive          = "ACTIVE"
	StatePolicyActive    = "POLICY_ACTIVE"
	StateStage5Skipped   = "STAGE_5_SKIPPED"
	StatePestFlagged     = "PEST_EVENT_FLAGGED"
	StatePestAutoTrigger = "PEST_EVENT_AUTO_TRIGGER"
	StateDroughtClaim    = "INSURANCE_CLAIMED_DROUGHT"
)

// Length is how long a season runs from registration.
const Length = 180 * 24 * time.Hour

// Options configures a Service. Zero values are usable.
type Options struct {
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Notifier    notify.Notifier
	RatePerAcre float64          // loan amount per acre, default stage.DefaultRatePerAcre
	Now         func() time.Time // clock, default time.Now
}

// Service applies lifecycle events to seasons stored in db.
type Service struct {
	db       *gorm.DB
	log      *slog.Logger
	metrics  *metrics.Metrics
	notifier notify.Notifier
	rate     float64
	now      func() time.Time
	locks    *seasonLocks
}

// New creates a Service.
func New(db *gorm.DB, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rate := opts.RatePerAcre
	if rate <= 0 {
		rate = stage.DefaultRatePerAcre
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:       db,
		log:      logger.With("module", "season"),
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		rate:     rate,
		now:      now,
		locks:    newSeasonLocks(),
	}
}

// txn carries the state of one event while its transaction is open.
type txn struct {
	tx        *gorm.DB
	season    models.Season
	farmer    models.Farmer
	now       time.Time
	entries   []models.AuditEntry
	disbursed float64
}

// load locks the season row and reads its farmer.
func (t *txn) load(seasonID string) error {
	err := t.tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", seasonID).First(&t.season).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("season: %w: season %s", errs.ErrNotFound, seasonID)
	}
	if err != nil {
		return fmt.Errorf("season: load %s: %w", seasonID, err)
	}
	if err := t.tx.Where("id = ?", t.season.FarmerID).First(&t.farmer).Error; err != nil {
		return fmt.Errorf("season: load farmer of %s: %w", seasonID, err)
	}
	return nil
}

// append adds a chain entry to the season within the event.
func (t *txn) append(state, note string) error {
	e, err := chain.Append(t.tx, t.season.ID, state, note, t.now)
	if err != nil {
		return err
	}
	t.entries = append(t.entries, *e)
	return nil
}

// transact runs fn in one transaction while holding the season's lock, then
// records metrics, logs and notifies. Nothing outside the database happens
// until the transaction has committed.
func (s *Service) transact(ctx context.Context, kind, seasonID string, fn func(t *txn) error) (*txn, error) {
	start := time.Now()
	t := &txn{now: s.now().UTC()}
	err := s.locked(seasonID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t.tx = tx
			t.entries = nil
			return fn(t)
		})
	})

	s.finish(ctx, kind, seasonID, t, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return t, nil
}

// apply is transact for an existing season: the season row is locked and
// loaded before fn runs.
func (s *Service) apply(ctx context.Context, kind, seasonID string, fn func(t *txn) error) (*txn, error) {
	return s.transact(ctx, kind, seasonID, func(t *txn) error {
		if err := t.load(seasonID); err != nil {
			return err
		}
		return fn(t)
	})
}

// locked runs fn while holding the season's lock. The lock is released even
// when fn panics.
func (s *Service) locked(seasonID string, fn func() error) error {
	release := s.locks.lock(seasonID)
	defer release()
	return fn()
}

func (s *Service) finish(ctx context.Context, kind, seasonID string, t *txn, err error, d time.Duration) {
	if err != nil {
		outcome := metrics.OutcomeRejected
		level := slog.LevelWarn
		if errs.Kind(err) == "internal" {
			outcome = metrics.OutcomeError
			level = slog.LevelError
		}
		s.metrics.ObserveEvent(kind, outcome, d)
		s.log.Log(ctx, level, "event failed", "event", kind, "season", seasonID, "error", err)
		return
	}

	s.metrics.ObserveEvent(kind, metrics.OutcomeOK, d)
	for _, e := range t.entries {
		s.metrics.ChainAppended(e.State)
	}
	s.metrics.AddDisbursed(t.disbursed)
	s.log.InfoContext(ctx, "event applied",
		"event", kind, "season", seasonID, "entries", len(t.entries), "duration", d)

	if s.notifier == nil || len(t.entries) == 0 {
		return
	}
	ev := notify.Event{Kind: kind, SeasonID: seasonID, Farmer: t.farmer.Name, Time: t.now}
	for _, e := range t.entries {
		ev.Entries = append(ev.Entries, notify.Entry{State: e.State, Note: e.Note, Hash: e.Hash})
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.WarnContext(ctx, "notification failed", "event", kind, "season", seasonID, "error", err)
	}
}

func stageState(n int, suffix string) string {
	return fmt.Sprintf("STAGE_%d_%s", n, suffix)
}
