package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	// EarthRadius in meters.
	EarthRadius = 6371000.0

	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi

	metersPerDegree = EarthRadius * degToRad

	// MinETASeconds is the floor applied to every heuristic ETA.
	MinETASeconds = 60
	etaBuffer     = 1.2
)

// average urban speeds in m/s
var categorySpeeds = map[models.VehicleCategory]float64{
	models.CategoryBike:     8,
	models.CategoryTricycle: 6,
	models.CategoryCar:      10,
	models.CategorySUV:      10,
	models.CategoryPremium:  10,
}

const defaultSpeedMps = 10.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadius * c
}

// Distance is Haversine over coordinates.
func Distance(a, b models.Coord) float64 {
	if a == b {
		return 0
	}
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Bearing returns the initial compass bearing from a to b in [0,360).
func Bearing(a, b models.Coord) float64 {
	lat1 := a.Lat * degToRad
	lat2 := b.Lat * degToRad
	dLon := (b.Lon - a.Lon) * degToRad

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	deg := math.Mod(math.Atan2(y, x)*radToDeg+360, 360)
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// DestinationPoint travels distanceM from origin along bearingDeg.
func DestinationPoint(origin models.Coord, distanceM, bearingDeg float64) models.Coord {
	lat := origin.Lat * degToRad
	lon := origin.Lon * degToRad
	brg := bearingDeg * degToRad
	ang := distanceM / EarthRadius

	dLat := math.Asin(math.Sin(lat)*math.Cos(ang) + math.Cos(lat)*math.Sin(ang)*math.Cos(brg))
	dLon := lon + math.Atan2(math.Sin(brg)*math.Sin(ang)*math.Cos(lat), math.Cos(ang)-math.Sin(lat)*math.Sin(dLat))

	// normalize longitude to [-180,180)
	out := models.Coord{Lat: dLat * radToDeg, Lon: math.Mod(dLon*radToDeg+540, 360) - 180}
	return out
}

type BoundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// NewBoundingBox returns an approximate box enclosing the circle of radiusM
// around center. Good enough as a prefilter before an exact distance check.
func NewBoundingBox(center models.Coord, radiusM float64) BoundingBox {
	latDelta := radiusM / metersPerDegree
	cos := math.Cos(center.Lat * degToRad)
	lonDelta := 180.0
	if cos > 1e-9 {
		lonDelta = math.Min(180, radiusM/(metersPerDegree*cos))
	}
	return BoundingBox{
		MinLat: math.Max(-90, center.Lat-latDelta),
		MaxLat: math.Min(90, center.Lat+latDelta),
		MinLon: center.Lon - lonDelta,
		MaxLon: center.Lon + lonDelta,
	}
}

// Contains handles boxes that wrap across the antimeridian.
func (b BoundingBox) Contains(c models.Coord) bool {
	if c.Lat < b.MinLat || c.Lat > b.MaxLat {
		return false
	}
	if b.MaxLon-b.MinLon >= 360 {
		return true
	}
	lon := c.Lon
	if lon < b.MinLon {
		lon += 360
	} else if lon > b.MaxLon {
		lon -= 360
	}
	return lon >= b.MinLon && lon <= b.MaxLon
}

func IsValidCoordinate(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// EstimateETA converts a distance into seconds using the category's average
// urban speed plus a 20% buffer, floored at MinETASeconds.
func EstimateETA(distanceM float64, category models.VehicleCategory) int64 {
	speed, ok := categorySpeeds[category]
	if !ok {
		speed = defaultSpeedMps
	}
	eta := distanceM / speed * etaBuffer
	if eta < MinETASeconds {
		return MinETASeconds
	}
	return int64(eta)
}

// TrafficFactor is the congestion multiplier for an hour of the day.
func TrafficFactor(hour int) float64 {
	switch {
	case hour >= 7 && hour <= 9:
		return 1.5
	case hour >= 17 && hour <= 20:
		return 1.7
	case hour >= 12 && hour <= 14:
		return 1.2
	case hour >= 22 || hour <= 5:
		return 0.8
	default:
		return 1.0
	}
}

func AdjustForTimeOfDay(etaSeconds int64, hour int) int64 {
	return int64(float64(etaSeconds) * TrafficFactor(hour))
}
