// Package auditor periodically re-verifies every season's hash chain and
// raises an alert when one no longer links.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/genfin/furrow/internal/chain"
	"github.com/genfin/furrow/internal/metrics"
	"github.com/genfin/furrow/internal/notify"
	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Source lists seasons and verifies their chains. *season.Service
// implements it.
type Source interface {
	SeasonIDs(ctx context.Context) ([]string, error)
	VerifyChain(ctx context.Context, seasonID string) (*chain.Report, error)
}

// Opts holds optional collaborators of an Auditor.
type Opts struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Now      func() time.Time
}

// Auditor runs chain verification sweeps on a cron schedule.
type Auditor struct {
	src      Source
	schedule cron.Schedule
	log      *slog.Logger
	metrics  *metrics.Metrics
	notifier notify.Notifier
	now      func() time.Time
}

// Result summarizes one sweep.
type Result struct {
	Checked int
	Broken  []chain.Report
}

// New parses the 5-field cron expression and returns an Auditor.
func New(expr string, src Source, opts Opts) (*Auditor, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("auditor: parse schedule %q: %w", expr, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Auditor{
		src:      src,
		schedule: sched,
		log:      logger.With("module", "auditor"),
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		now:      now,
	}, nil
}

// Next returns the duration until the next scheduled sweep.
func (a *Auditor) Next() time.Duration {
	now := a.now()
	d := a.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Run sweeps on schedule until ctx is done.
func (a *Auditor) Run(ctx context.Context) {
	timer := time.NewTimer(a.Next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := a.Sweep(ctx); err != nil {
				a.log.Error("sweep failed", "error", err)
			}
			timer.Reset(a.Next())
		}
	}
}

// Sweep verifies every season's chain once. A season that cannot be read is
// reported in the returned error and does not stop the sweep.
func (a *Auditor) Sweep(ctx context.Context) (*Result, error) {
	ids, err := a.src.SeasonIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("auditor: list seasons: %w", err)
	}

	res := &Result{}
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report, err := a.src.VerifyChain(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("auditor: verify %s: %w", id, err))
			continue
		}
		res.Checked++
		a.metrics.ChainVerified(report.Valid)
		if report.Valid {
			continue
		}
		res.Broken = append(res.Broken, *report)
		a.alert(ctx, report)
	}

	a.log.Info("sweep complete", "checked", res.Checked, "broken", len(res.Broken))
	return res, errors.Join(errs...)
}

func (a *Auditor) alert(ctx context.Context, r *chain.Report) {
	a.log.Warn("chain broken", "season", r.SeasonID, "seq", r.BrokenAt, "reason", r.Reason)
	if a.notifier == nil {
		return
	}
	ev := notify.Event{
		Kind:     "audit",
		SeasonID: r.SeasonID,
		Detail:   fmt.Sprintf("Chain broken at entry %d of %d: %s", r.BrokenAt, r.Entries, r.Reason),
		Time:     a.now(),
	}
	if err := a.notifier.Notify(ctx, ev); err != nil {
		a.log.Error("notify failed", "season", r.SeasonID, "error", err)
	}
}
