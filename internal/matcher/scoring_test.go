package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func cand(id string, distanceM, rating, acceptance float64, etaSec int64) models.NearbyDriver {
	return models.NearbyDriver{
		Driver:     models.Driver{ID: id, Rating: rating, AcceptanceRate: acceptance},
		DistanceM:  distanceM,
		ETASeconds: etaSec,
	}
}

func TestScoreMonotonic(t *testing.T) {
	w := DefaultWeights()
	const maxR = 15000.0
	base := cand("base", 4000, 4.2, 0.7, 480)

	better := []struct {
		name string
		c    models.NearbyDriver
	}{
		{"closer", cand("x", 1000, 4.2, 0.7, 480)},
		{"higher rating", cand("x", 4000, 4.9, 0.7, 480)},
		{"more reliable", cand("x", 4000, 4.2, 0.95, 480)},
		{"faster", cand("x", 4000, 4.2, 0.7, 120)},
		{"better everywhere", cand("x", 500, 5.0, 1.0, 60)},
	}
	for _, tc := range better {
		t.Run(tc.name, func(t *testing.T) {
			assert.Greater(t, w.Score(tc.c, maxR), w.Score(base, maxR))
		})
	}
}

func TestScoreBounds(t *testing.T) {
	w := DefaultWeights()
	top := w.Proximity + w.Rating + w.Acceptance + w.ETA

	assert.InDelta(t, top, w.Score(cand("a", 0, 5, 1, 0), 15000), 1e-9)
	assert.Zero(t, w.Score(cand("b", 20000, 0, 0, 3600), 15000))
	// out-of-range inputs are clamped
	assert.InDelta(t, top, w.Score(cand("c", -5, 7, 1.5, -10), 15000), 1e-9)
}

func TestRankStableOnTies(t *testing.T) {
	cands := []models.NearbyDriver{
		cand("first", 1000, 4.5, 0.9, 120),
		cand("best", 100, 5.0, 1.0, 60),
		cand("second", 1000, 4.5, 0.9, 120),
		cand("third", 1000, 4.5, 0.9, 120),
	}
	ranked := Rank(cands, DefaultWeights(), 15000)
	require.Len(t, ranked, 4)
	ids := []string{ranked[0].Driver.ID, ranked[1].Driver.ID, ranked[2].Driver.ID, ranked[3].Driver.ID}
	assert.Equal(t, []string{"best", "first", "second", "third"}, ids)
	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score)
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.InitialSearchRadius = 20000
	cfg.MaxDriversToConsider = 0
	cfg.OfferTimeout = 0
	cfg.LockGrace = 0
	cfg.Weights = Weights{ETACeiling: time.Minute}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "max search radius")
	assert.ErrorContains(t, err, "max drivers")
	assert.ErrorContains(t, err, "offer timeout")
	assert.ErrorContains(t, err, "lock grace")
	assert.ErrorContains(t, err, "scoring weight")
}

func TestLockOutlivesAcceptWindow(t *testing.T) {
	cfg := DefaultConfig()
	assert.Greater(t, cfg.lockTTL(), cfg.OfferTimeout)
	assert.Equal(t, 35*time.Second, cfg.lockTTL())
}

func TestNextRadiusCapped(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5000.0, cfg.nextRadius(3000))
	assert.Equal(t, cfg.MaxSearchRadius, cfg.nextRadius(14000))
	assert.Equal(t, cfg.MaxSearchRadius, cfg.nextRadius(cfg.MaxSearchRadius))
}

func TestMemoryStore(t *testing.T) {
	st := NewMemoryStore()
	s := newSession(models.Ride{ID: "r1"}, 3000, time.Now())
	assert.True(t, st.Insert(s))
	assert.False(t, st.Insert(newSession(models.Ride{ID: "r1"}, 3000, time.Now())))

	got, ok := st.Get("r1")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, st.Len())

	st.Remove("r1")
	_, ok = st.Get("r1")
	assert.False(t, ok)
	assert.Zero(t, st.Len())
}
