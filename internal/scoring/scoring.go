// Package scoring computes an explainable creditworthiness score for a
// season from its plot, the farmer, stage progress and soil test results.
package scoring

import (
	"math"

	"github.com/genfin/furrow/internal/models"
)

// Factor names, in the order they are reported.
const (
	FactorBase      = "Base Score"
	FactorKYC       = "KYC Completion (Base)"
	FactorLand      = "Land Size (Acres)"
	FactorProgress  = "Stages Completed Ratio"
	FactorSoil      = "Soil Quality Score (Mock)"
	FactorAge       = "Age (Younger +)"
	totalStages     = 7
	baseScore       = 50.0
	soilBoostWeight = 50.0
)

// Factor is one named contribution to a score.
type Factor struct {
	Name   string  `json:"factor"`
	Weight float64 `json:"weight"`
}

// Input carries everything Compute reads. A nil PlotSize means the season
// has no plot record.
type Input struct {
	PlotSize        *float64
	FarmerAge       int
	CompletedStages int
	SoilBoosts      int
}

// Result is a computed score with its band and displayed factors.
type Result struct {
	Score    float64
	RiskBand string
	Factors  []Factor
}

// Compute scores an input. It is deterministic and has no side effects.
func Compute(in Input) Result {
	if in.PlotSize == nil {
		return Result{Score: baseScore, RiskBand: models.RiskMedium, Factors: []Factor{}}
	}

	age := 5.0
	if in.FarmerAge >= 40 {
		age = -5
	}
	raw := []Factor{
		{FactorKYC, 50},
		{FactorLand, *in.PlotSize * 2},
		{FactorProgress, float64(in.CompletedStages) / totalStages * 30},
		{FactorSoil, 10 + soilBoostWeight*float64(in.SoilBoosts)},
		{FactorAge, age},
	}

	var sum float64
	factors := make([]Factor, 0, len(raw)+1)
	factors = append(factors, Factor{FactorBase, baseScore})
	for _, f := range raw {
		sum += f.Weight
		factors = append(factors, Factor{f.Name, f.Weight / 10})
	}

	score := round1(clamp(baseScore+sum/10, 0, 100))
	return Result{Score: score, RiskBand: Band(score), Factors: factors}
}

// Band maps a score to its risk band.
func Band(score float64) string {
	switch {
	case score >= 75:
		return models.RiskLow
	case score >= 50:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
