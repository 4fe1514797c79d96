// Package scoring ranks driver candidates for a specific ride request.
// Scoring is a pure function of the candidate; the same inputs always
// produce the same ordering.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

// Component weights. They sum to 1.
const (
	weightDistance   = 0.35
	weightRating     = 0.25
	weightAcceptance = 0.15
	weightExperience = 0.10
	weightStatus     = 0.10
	weightResponse   = 0.05
)

// Score computes the dispatch score of a candidate on a 0-100 scale.
func Score(c domain.Candidate) float64 {
	distance := math.Max(0, 100-c.DistanceKM*10)
	rating := clamp((c.Driver.Rating-1)*25, 0, 100)
	acceptance := clamp(c.Driver.AcceptanceRate, 0, 100)
	experience := clamp(math.Log10(float64(c.Driver.TotalCompletedRides)+1)*20, 0, 100)
	status := statusBonus(c)
	response := math.Max(0, 100-c.Driver.AvgResponseSec)

	return weightDistance*distance +
		weightRating*rating +
		weightAcceptance*acceptance +
		weightExperience*experience +
		weightStatus*status +
		weightResponse*response
}

// statusBonus favors free drivers, then finishing drivers by how soon they
// are predicted to complete their current ride.
func statusBonus(c domain.Candidate) float64 {
	if c.Tier == domain.TierFree {
		return 100
	}
	switch {
	case c.PredictedFreeIn <= 60*time.Second:
		return 80
	case c.PredictedFreeIn <= 180*time.Second:
		return 60
	default:
		return 40
	}
}

// Rank scores the candidates in place and sorts them best-first. Free drivers
// always precede finishing-ride drivers; within a tier the order is score
// descending with deterministic tie-breaks (distance, rating, registration
// age, id).
func Rank(candidates []domain.Candidate) {
	for i := range candidates {
		candidates[i].Score = Score(candidates[i])
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceKM != b.DistanceKM {
			return a.DistanceKM < b.DistanceKM
		}
		if a.Driver.Rating != b.Driver.Rating {
			return a.Driver.Rating > b.Driver.Rating
		}
		if !a.Driver.RegisteredAt.Equal(b.Driver.RegisteredAt) {
			return a.Driver.RegisteredAt.Before(b.Driver.RegisteredAt)
		}
		return a.Driver.ID.String() < b.Driver.ID.String()
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
