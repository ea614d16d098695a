package matcher

import (
	"errors"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Weights controls how much each factor contributes to a candidate's score.
// Every factor is normalized to [0,1] before weighting.
type Weights struct {
	Proximity  float64
	Rating     float64
	Acceptance float64
	ETA        float64

	// ETACeiling is the pickup time at which the ETA factor reaches zero.
	ETACeiling time.Duration
}

func DefaultWeights() Weights {
	return Weights{
		Proximity:  40,
		Rating:     30,
		Acceptance: 20,
		ETA:        10,
		ETACeiling: 30 * time.Minute,
	}
}

func (w Weights) Validate() error {
	if w.Proximity < 0 || w.Rating < 0 || w.Acceptance < 0 || w.ETA < 0 {
		return errors.New("scoring weights must be >= 0")
	}
	if w.Proximity+w.Rating+w.Acceptance+w.ETA == 0 {
		return errors.New("at least one scoring weight must be > 0")
	}
	if w.ETACeiling <= 0 {
		return errors.New("eta ceiling must be > 0")
	}
	return nil
}

// Score returns the weighted composite for one candidate. maxRadius is the
// distance at which the proximity factor reaches zero.
func (w Weights) Score(c models.NearbyDriver, maxRadius float64) float64 {
	var proximity float64
	if maxRadius > 0 {
		proximity = clamp01(1 - c.DistanceM/maxRadius)
	}
	rating := clamp01(c.Driver.Rating / 5)
	acceptance := clamp01(c.Driver.AcceptanceRate)
	etaFactor := clamp01(1 - float64(c.ETASeconds)/w.ETACeiling.Seconds())

	return w.Proximity*proximity +
		w.Rating*rating +
		w.Acceptance*acceptance +
		w.ETA*etaFactor
}

// Scored pairs a candidate with its score.
type Scored struct {
	models.NearbyDriver
	Score float64
}

// Rank scores candidates and sorts them best first. Equal scores keep the
// pool's order.
func Rank(cands []models.NearbyDriver, w Weights, maxRadius float64) []Scored {
	out := make([]Scored, len(cands))
	for i, c := range cands {
		out[i] = Scored{NearbyDriver: c, Score: w.Score(c, maxRadius)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
