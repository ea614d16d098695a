// Package pool holds the driver pool implementations used by the matcher:
// proximity search, driver lookup and short-lived exclusive driver locks.
package pool

import (
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// maxNearby caps a single proximity query.
const maxNearby = 50

// categoryMatches treats an empty requested category as "any" and an empty
// driver category as a car.
func categoryMatches(have, want models.VehicleCategory) bool {
	if want == "" {
		return true
	}
	if have == "" {
		have = models.CategoryCar
	}
	return have == want
}

func candidate(d models.Driver, distanceM float64, now time.Time) models.NearbyDriver {
	eta := geo.AdjustForTimeOfDay(geo.EstimateETA(distanceM, d.Category), now.Hour())
	return models.NearbyDriver{
		Driver:     d,
		DistanceM:  distanceM,
		ETASeconds: eta,
		ObservedAt: now,
	}
}
