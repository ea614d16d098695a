package matcher

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the matching policy. All values are tunable; DefaultConfig
// returns the production defaults.
type Config struct {
	MaxSearchRadius      float64 // meters
	InitialSearchRadius  float64 // meters
	RadiusExpansionStep  float64 // meters
	MaxDriversToConsider int
	OfferTimeout         time.Duration
	LockGrace            time.Duration // extra driver lock lifetime past OfferTimeout
	MaxMatchingAttempts  int
	MatchingInterval     time.Duration

	Weights Weights
}

func DefaultConfig() Config {
	return Config{
		MaxSearchRadius:      15000,
		InitialSearchRadius:  3000,
		RadiusExpansionStep:  2000,
		MaxDriversToConsider: 10,
		OfferTimeout:         30 * time.Second,
		LockGrace:            5 * time.Second,
		MaxMatchingAttempts:  5,
		MatchingInterval:     15 * time.Second,
		Weights:              DefaultWeights(),
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.InitialSearchRadius <= 0 {
		errs = append(errs, fmt.Errorf("initial search radius must be > 0"))
	}
	if c.MaxSearchRadius < c.InitialSearchRadius {
		errs = append(errs, fmt.Errorf("max search radius %.0f is below initial radius %.0f", c.MaxSearchRadius, c.InitialSearchRadius))
	}
	if c.RadiusExpansionStep < 0 {
		errs = append(errs, fmt.Errorf("radius expansion step must be >= 0"))
	}
	if c.MaxDriversToConsider <= 0 {
		errs = append(errs, fmt.Errorf("max drivers to consider must be > 0"))
	}
	if c.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("offer timeout must be > 0"))
	}
	if c.LockGrace <= 0 {
		errs = append(errs, fmt.Errorf("lock grace must be > 0"))
	}
	if c.MaxMatchingAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max matching attempts must be > 0"))
	}
	if c.MatchingInterval < 0 {
		errs = append(errs, fmt.Errorf("matching interval must be >= 0"))
	}
	if err := c.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// nextRadius grows r by one step, capped at the maximum.
func (c Config) nextRadius(r float64) float64 {
	r += c.RadiusExpansionStep
	if r > c.MaxSearchRadius {
		return c.MaxSearchRadius
	}
	return r
}

// lockTTL outlives the accept window so a driver cannot be re-locked by
// another ride while an offer to them can still be accepted.
func (c Config) lockTTL() time.Duration { return c.OfferTimeout + c.LockGrace }
