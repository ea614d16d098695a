package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// VehicleCategory is the requested (or offered) class of vehicle.
type VehicleCategory string

const (
	CategoryBike     VehicleCategory = "bike"
	CategoryTricycle VehicleCategory = "tricycle"
	CategoryCar      VehicleCategory = "car"
	CategorySUV      VehicleCategory = "suv"
	CategoryPremium  VehicleCategory = "premium"
)

type RideStatus string

const (
	RideStatusPending        RideStatus = "pending"
	RideStatusSearching      RideStatus = "searching"
	RideStatusDriverAssigned RideStatus = "driver_assigned"
	RideStatusNoDrivers      RideStatus = "no_drivers"
	RideStatusCancelled      RideStatus = "cancelled"
	RideStatusCompleted      RideStatus = "completed"
)

// Poolable reports whether a ride in this status may enter matching.
func (s RideStatus) Poolable() bool {
	return s == RideStatusPending || s == RideStatusSearching
}

type RideRequest struct {
	RiderID     string          `json:"rider_id"`
	Origin      Coord           `json:"origin"`
	Destination Coord           `json:"destination"`
	Category    VehicleCategory `json:"category"`
}

type Ride struct {
	ID          string          `json:"id"`
	RiderID     string          `json:"rider_id"`
	DriverID    string          `json:"driver_id,omitempty"`
	VehicleID   string          `json:"vehicle_id,omitempty"`
	Origin      Coord           `json:"origin"`
	Destination Coord           `json:"destination"`
	Category    VehicleCategory `json:"category"`
	Status      RideStatus      `json:"status"`
	ETASeconds  int64           `json:"eta_seconds,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type DriverStatus string

const (
	DriverStatusOffline DriverStatus = "offline"
	DriverStatusOnline  DriverStatus = "online"
	DriverStatusOnRide  DriverStatus = "on_ride"
)

type Driver struct {
	ID             string          `json:"id"`
	VehicleID      string          `json:"vehicle_id"`
	Category       VehicleCategory `json:"category"`
	Loc            Coord           `json:"loc"`
	Rating         float64         `json:"rating"`          // 0..5
	AcceptanceRate float64         `json:"acceptance_rate"` // 0..1
	Status         DriverStatus    `json:"status"`
	Updated        time.Time       `json:"updated"`
}

// Available reports whether the driver can take a new ride.
func (d Driver) Available() bool { return d.Status == DriverStatusOnline }

// NearbyDriver is a read-only candidate snapshot produced by a pool query.
type NearbyDriver struct {
	Driver     Driver    `json:"driver"`
	DistanceM  float64   `json:"distance_m"`
	ETASeconds int64     `json:"eta_seconds"`
	ObservedAt time.Time `json:"observed_at"`
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

// Offer is the ephemeral proposal of a ride to one driver.
type Offer struct {
	ID         string          `json:"id"`
	RideID     string          `json:"ride_id"`
	DriverID   string          `json:"driver_id"`
	Pickup     Coord           `json:"pickup"`
	Dropoff    Coord           `json:"dropoff"`
	Category   VehicleCategory `json:"category"`
	ETASeconds int64           `json:"eta_seconds"`
	Status     OfferStatus     `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// MatchResult is delivered once on a session's result channel.
type MatchResult struct {
	RideID     string `json:"ride_id"`
	Success    bool   `json:"success"`
	DriverID   string `json:"driver_id,omitempty"`
	VehicleID  string `json:"vehicle_id,omitempty"`
	ETASeconds int64  `json:"eta_seconds,omitempty"`
	Err        error  `json:"-"`
}

// MatchOutcome names the terminal state of a matching session.
type MatchOutcome string

const (
	OutcomeMatched   MatchOutcome = "matched"
	OutcomeFailed    MatchOutcome = "failed"
	OutcomeCancelled MatchOutcome = "cancelled"
)

// MatchEvent is published when a session reaches a terminal state.
type MatchEvent struct {
	RideID     string       `json:"ride_id"`
	Outcome    MatchOutcome `json:"outcome"`
	DriverID   string       `json:"driver_id,omitempty"`
	VehicleID  string       `json:"vehicle_id,omitempty"`
	ETASeconds int64        `json:"eta_seconds,omitempty"`
	Attempts   int          `json:"attempts"`
	RadiusM    float64      `json:"radius_m"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    time.Time    `json:"ended_at"`
}

// DriverResponse is a driver's answer to an offer, as received from the live channel.
type DriverResponse struct {
	Type     string `json:"type"` // "accept" or "decline"
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
}
