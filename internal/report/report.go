// Package report assembles a read-only snapshot of a season and renders it
// as a plain-text impact report.
package report

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/genfin/furrow/internal/chain"
	"github.com/genfin/furrow/internal/models"
	"github.com/genfin/furrow/internal/scoring"
	"github.com/genfin/furrow/internal/season"
	"github.com/genfin/furrow/internal/stage"
)

const disclaimer = "This report uses synthetic data and mock integrations."

// Source reads season state. *season.Service implements it.
type Source interface {
	Get(ctx context.Context, seasonID string) (*models.Season, error)
	Stages(ctx context.Context, seasonID string) ([]models.Stage, error)
	CurrentScore(ctx context.Context, seasonID string) (*season.Score, error)
	CurrentPolicy(ctx context.Context, seasonID string) (*models.Policy, error)
	History(ctx context.Context, seasonID string) iter.Seq2[models.AuditEntry, error]
	VerifyChain(ctx context.Context, seasonID string) (*chain.Report, error)
}

// Snapshot is everything the report shows, read at one point in time.
type Snapshot struct {
	Season         models.Season       `json:"season"`
	Stages         []models.Stage      `json:"stages"`
	TotalDisbursed float64             `json:"total_disbursed"`
	Score          *season.Score       `json:"score,omitempty"`
	Policy         *models.Policy      `json:"policy,omitempty"`
	Chain          []models.AuditEntry `json:"chain"`
	ChainValid     bool                `json:"chain_valid"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

// Build reads a snapshot of the season.
func Build(ctx context.Context, src Source, seasonID string, now time.Time) (*Snapshot, error) {
	s, err := src.Get(ctx, seasonID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Season: *s, GeneratedAt: now}

	if snap.Stages, err = src.Stages(ctx, seasonID); err != nil {
		return nil, err
	}
	snap.TotalDisbursed = stage.TotalDisbursed(snap.Stages)

	if snap.Score, err = src.CurrentScore(ctx, seasonID); err != nil {
		return nil, err
	}
	if snap.Policy, err = src.CurrentPolicy(ctx, seasonID); err != nil {
		return nil, err
	}
	for e, err := range src.History(ctx, seasonID) {
		if err != nil {
			return nil, err
		}
		snap.Chain = append(snap.Chain, e)
	}
	verdict, err := src.VerifyChain(ctx, seasonID)
	if err != nil {
		return nil, err
	}
	snap.ChainValid = verdict.Valid
	return snap, nil
}

// Render writes the snapshot as a text report.
func Render(w io.Writer, snap *Snapshot) error {
	var b strings.Builder

	farmer := "-"
	if snap.Season.Farmer != nil {
		farmer = fmt.Sprintf("%s (%s)", snap.Season.Farmer.Name, snap.Season.Farmer.Phone)
	}
	fmt.Fprintln(&b, "FARMER IMPACT REPORT")
	fmt.Fprintf(&b, "Season:     %s\n", snap.Season.ID)
	fmt.Fprintf(&b, "Farmer:     %s\n", farmer)
	fmt.Fprintf(&b, "Crop:       %s | Land Size: %g acres\n", snap.Season.Crop, snap.Season.PlotSize)
	fmt.Fprintf(&b, "Generated:  %s\n", snap.GeneratedAt.UTC().Format(time.RFC3339))

	score, band := 50.0, models.RiskMedium
	var factors []scoring.Factor
	if snap.Score != nil {
		score, band, factors = snap.Score.Score, snap.Score.RiskBand, snap.Score.Factors
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "PROFICIENCY SCORE")
	fmt.Fprintf(&b, "Score: %.1f (Risk Band: %s)\n", score, band)
	if len(factors) > 0 {
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "FACTOR\tWEIGHT")
		for _, f := range factors {
			fmt.Fprintf(tw, "%s\t%g\n", f.Name, f.Weight)
		}
		tw.Flush()
	}

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "DISBURSEMENT TIMELINE")
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tAMOUNT\tSTATUS\tCOMPLETED")
	for _, st := range snap.Stages {
		completed := "N/A"
		if st.CompletedAt != nil {
			completed = st.CompletedAt.UTC().Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%d: %s\t$%.2f\t%s\t%s\n", st.Number, st.Name, st.Amount, st.Status, completed)
	}
	tw.Flush()
	fmt.Fprintf(&b, "Total Disbursed: $%.2f\n", snap.TotalDisbursed)

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "INSURANCE")
	if snap.Policy == nil {
		fmt.Fprintln(&b, "No policy generated.")
	} else {
		fmt.Fprintf(&b, "Policy %s: %s\n", snap.Policy.PolicyID, snap.Policy.Status)
	}

	fmt.Fprintln(&b)
	verdict := "VALID"
	if !snap.ChainValid {
		verdict = "BROKEN"
	}
	fmt.Fprintf(&b, "AUDIT TRAIL (%d entries, %s)\n", len(snap.Chain), verdict)
	tw = tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tSTATE\tHASH")
	for _, e := range snap.Chain {
		fmt.Fprintf(tw, "%s\t%s\t%s...\n", e.RecordedAt.UTC().Format("2006-01-02 15:04"), e.State, prefix(e.Hash, 10))
	}
	tw.Flush()

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, disclaimer)

	_, err := io.WriteString(w, b.String())
	return err
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
