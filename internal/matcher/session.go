package matcher

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Status is the state of a matching session.
type Status string

const (
	StatusSearching Status = "searching"
	StatusMatched   Status = "matched"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Session is the live matching state for one ride. All fields are guarded by mu.
type Session struct {
	mu        sync.Mutex
	ride      models.Ride
	status    Status
	startedAt time.Time
	attempt   int
	radius    float64
	radii     []float64

	// offered maps driver id to offer time. A zero time marks an explicit decline.
	offered map[string]time.Time
	// held maps driver id to the owner token of the lock this session holds.
	held map[string]string
	// undelivered maps driver id to the attempt in which an offer could not be sent.
	undelivered map[string]int

	result chan models.MatchResult
	cancel context.CancelFunc
	wake   chan struct{}
}

func newSession(ride models.Ride, radius float64, now time.Time) *Session {
	return &Session{
		ride:        ride,
		status:      StatusSearching,
		startedAt:   now,
		radius:      radius,
		offered:     make(map[string]time.Time),
		held:        make(map[string]string),
		undelivered: make(map[string]int),
		result:      make(chan models.MatchResult, 1),
		wake:        make(chan struct{}, 1),
	}
}

func (s *Session) RideID() string { return s.ride.ID }

// beginAttempt records the next attempt and returns the radius to query.
func (s *Session) beginAttempt() (int, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	s.radii = append(s.radii, s.radius)
	return s.attempt, s.radius
}

func (s *Session) setRadius(r float64) {
	s.mu.Lock()
	s.radius = r
	s.mu.Unlock()
}

// seen reports whether the driver was offered or declined in this session,
// or could not be reached during the current attempt.
func (s *Session) seen(driverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offered[driverID]; ok {
		return true
	}
	at, ok := s.undelivered[driverID]
	return ok && at == s.attempt
}

func (s *Session) liveOffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// recordOffer registers a driver freshly locked under token. It returns false
// when the session is already terminal, in which case the caller still owns
// the lock.
func (s *Session) recordOffer(driverID, token string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusSearching {
		return false
	}
	s.offered[driverID] = at
	s.held[driverID] = token
	return true
}

// dropOffer forgets an offer that could not be delivered. It returns the
// lock token the caller must release, if the session still held it.
func (s *Session) dropOffer(driverID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.held[driverID]
	if !ok {
		return "", false
	}
	delete(s.held, driverID)
	delete(s.offered, driverID)
	s.undelivered[driverID] = s.attempt
	return tok, true
}

// decline marks the driver declined. It returns the lock token the caller
// must release, if the session held one.
func (s *Session) decline(driverID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offered[driverID] = time.Time{}
	tok, ok := s.held[driverID]
	if !ok {
		return "", false
	}
	delete(s.held, driverID)
	return tok, true
}

// expire drops every held offer at least ttl old and returns their locks.
func (s *Session) expire(now time.Time, ttl time.Duration) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for id, tok := range s.held {
		if at := s.offered[id]; !at.IsZero() && now.Sub(at) >= ttl {
			delete(s.held, id)
			out[id] = tok
		}
	}
	return out
}

// checkAcceptLocked validates an accept attempt. Caller holds mu.
func (s *Session) checkAcceptLocked(driverID string, now time.Time, ttl time.Duration) error {
	if s.status != StatusSearching {
		return models.ErrRideNotFound
	}
	at, ok := s.offered[driverID]
	if !ok || at.IsZero() {
		return models.ErrUnauthorized
	}
	if now.Sub(at) >= ttl {
		return models.ErrMatchingTimeout
	}
	if _, held := s.held[driverID]; !held {
		return models.ErrMatchingTimeout
	}
	return nil
}

// finishLocked moves the session to a terminal state, queues the result and
// hands back the locks still held. Caller holds mu.
func (s *Session) finishLocked(status Status, res *models.MatchResult) map[string]string {
	s.status = status
	held := s.held
	s.held = make(map[string]string)
	if res != nil {
		s.result <- *res
	}
	return held
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	RideID    string    `json:"ride_id"`
	Status    Status    `json:"status"`
	Attempt   int       `json:"attempt"`
	RadiusM   float64   `json:"radius_m"`
	Radii     []float64 `json:"radii_m"`
	Offered   int       `json:"offered"`
	Declined  int       `json:"declined"`
	Live      int       `json:"live_offers"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		RideID:    s.ride.ID,
		Status:    s.status,
		Attempt:   s.attempt,
		RadiusM:   s.radius,
		Radii:     append([]float64(nil), s.radii...),
		Live:      len(s.held),
		StartedAt: s.startedAt,
	}
	for _, at := range s.offered {
		if at.IsZero() {
			snap.Declined++
		} else {
			snap.Offered++
		}
	}
	return snap
}
