// Package matcher runs one cancellable matching session per ride: it searches
// the driver pool in widening circles, offers the ride to the best candidates
// and settles on the first valid acceptance.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DriverPool is the subset of the driver pool the engine relies on. Locks are
// owned by a token: UnlockDriver with any other token leaves the lock alone.
type DriverPool interface {
	GetNearbyDrivers(ctx context.Context, center models.Coord, radiusM float64, category models.VehicleCategory) ([]models.NearbyDriver, error)
	GetDriver(ctx context.Context, driverID string) (models.Driver, error)
	LockDriver(ctx context.Context, driverID, owner string, d time.Duration) (bool, error)
	UnlockDriver(ctx context.Context, driverID, owner string) error
	IsDriverLocked(ctx context.Context, driverID string) bool
	HoldsLock(ctx context.Context, driverID, owner string) (bool, error)
}

// OfferSender pushes an offer to a driver's live channel.
type OfferSender interface {
	SendOffer(ctx context.Context, offer models.Offer) error
}

// EventPublisher receives terminal session events.
type EventPublisher interface {
	PublishMatchEvent(ctx context.Context, ev models.MatchEvent) error
}

// ErrEngineClosed is returned by StartMatching after Shutdown.
var ErrEngineClosed = errors.New("matcher: engine is shut down")

const (
	unlockTimeout  = 2 * time.Second
	etaTimeout     = 2 * time.Second
	publishTimeout = 2 * time.Second
)

type Engine struct {
	cfg    Config
	pool   DriverPool
	sender OfferSender
	store  SessionStore
	eta    eta.Client
	events EventPublisher
	logger *slog.Logger
	now    func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

type Option func(*Engine)

func WithStore(s SessionStore) Option { return func(e *Engine) { e.store = s } }
func WithETAClient(c eta.Client) Option { return func(e *Engine) { e.eta = c } }
func WithEvents(p EventPublisher) Option { return func(e *Engine) { e.events = p } }
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(cfg Config, pool DriverPool, sender OfferSender, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pool == nil || sender == nil {
		return nil, errors.New("matcher: pool and sender are required")
	}
	e := &Engine{
		cfg:    cfg,
		pool:   pool,
		sender: sender,
		store:  NewMemoryStore(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.base, e.stop = context.WithCancel(context.Background())
	return e, nil
}

// StartMatching opens a session for ride and returns the channel its single
// result is delivered on. The channel is closed once the session ends; a
// cancelled session closes it without a value.
func (e *Engine) StartMatching(ride models.Ride) (<-chan models.MatchResult, error) {
	if !ride.Status.Poolable() {
		return nil, models.ErrInvalidStatusTransition
	}
	if e.base.Err() != nil {
		return nil, ErrEngineClosed
	}
	s := newSession(ride, e.cfg.InitialSearchRadius, e.now())
	ctx, cancel := context.WithCancel(e.base)
	s.cancel = cancel
	if !e.store.Insert(s) {
		cancel()
		return nil, models.ErrRideAlreadyAssigned
	}

	observability.SessionsActive.Inc()
	e.logger.Info("matching started", "ride_id", ride.ID, "category", ride.Category, "radius_m", s.radius)

	e.wg.Add(1)
	go e.run(ctx, s)
	return s.result, nil
}

func (e *Engine) run(ctx context.Context, s *Session) {
	defer e.wg.Done()
	defer func() {
		s.mu.Lock()
		searching := s.status == StatusSearching
		s.mu.Unlock()
		if searching {
			// engine shutdown
			e.finish(s, StatusCancelled, nil)
		}
		s.mu.Lock()
		close(s.result)
		s.mu.Unlock()
	}()

	for {
		attempt, radius := s.beginAttempt()
		log := e.logger.With("ride_id", s.ride.ID, "attempt", attempt, "radius_m", radius)

		sent := e.offerRound(ctx, s, radius, log)
		if ctx.Err() != nil {
			return
		}
		// offers still live from an earlier top-up are waited on like new ones
		if sent == 0 && s.liveOffers() == 0 {
			log.Debug("no offers delivered")
			if attempt >= e.cfg.MaxMatchingAttempts {
				break
			}
			s.setRadius(e.cfg.nextRadius(radius))
			if !sleepCtx(ctx, e.cfg.MatchingInterval) {
				return
			}
			continue
		}

		if !e.awaitResponses(ctx, s, radius, log) {
			return
		}
		for id, tok := range s.expire(e.now(), e.cfg.OfferTimeout) {
			observability.OffersTotal.WithLabelValues("expired").Inc()
			e.unlock(id, tok)
		}
		if attempt >= e.cfg.MaxMatchingAttempts {
			break
		}
		s.setRadius(e.cfg.nextRadius(radius))
	}

	e.finish(s, StatusFailed, &models.MatchResult{
		RideID:  s.ride.ID,
		Success: false,
		Err:     models.ErrNoDriversAvailable,
	})
}

// offerRound queries the pool at radius and offers the ride to the best
// unseen candidates until the live offer budget is spent. It returns the
// number of offers delivered.
func (e *Engine) offerRound(ctx context.Context, s *Session, radius float64, log *slog.Logger) int {
	budget := e.cfg.MaxDriversToConsider - s.liveOffers()
	if budget <= 0 {
		return 0
	}
	nearby, err := e.pool.GetNearbyDrivers(ctx, s.ride.Origin, radius, s.ride.Category)
	if err != nil {
		log.Warn("pool query failed", "err", err)
		return 0
	}
	cands := make([]models.NearbyDriver, 0, len(nearby))
	for _, c := range nearby {
		if s.seen(c.Driver.ID) || e.pool.IsDriverLocked(ctx, c.Driver.ID) {
			continue
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return 0
	}

	sent := 0
	for _, c := range Rank(cands, e.cfg.Weights, e.cfg.MaxSearchRadius) {
		if sent >= budget || ctx.Err() != nil {
			break
		}
		id := c.Driver.ID
		token := uuid.NewString()
		ok, err := e.pool.LockDriver(ctx, id, token, e.cfg.lockTTL())
		if err != nil || !ok {
			observability.OffersTotal.WithLabelValues("lock_failed").Inc()
			log.Debug("driver lock not acquired", "driver_id", id, "err", err)
			continue
		}
		now := e.now()
		if !s.recordOffer(id, token, now) {
			e.unlock(id, token)
			break
		}
		offer := models.Offer{
			ID:         token,
			RideID:     s.ride.ID,
			DriverID:   id,
			Pickup:     s.ride.Origin,
			Dropoff:    s.ride.Destination,
			Category:   s.ride.Category,
			ETASeconds: c.ETASeconds,
			Status:     models.OfferPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(e.cfg.OfferTimeout),
		}
		if err := e.sender.SendOffer(ctx, offer); err != nil {
			observability.OffersTotal.WithLabelValues("send_failed").Inc()
			log.Warn("offer not delivered", "driver_id", id, "err", err)
			if tok, ok := s.dropOffer(id); ok {
				e.unlock(id, tok)
			}
			continue
		}
		observability.OffersTotal.WithLabelValues("sent").Inc()
		log.Info("offer sent", "driver_id", id, "score", c.Score, "distance_m", c.DistanceM)
		sent++
	}
	return sent
}

// awaitResponses waits out the offer window. A decline wakes the loop so the
// freed slot is offered at the same radius. It returns false if ctx ended.
func (e *Engine) awaitResponses(ctx context.Context, s *Session, radius float64, log *slog.Logger) bool {
	timer := time.NewTimer(e.cfg.OfferTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-s.wake:
			if n := e.offerRound(ctx, s, radius, log); n > 0 {
				log.Debug("offers topped up after decline", "sent", n)
			}
		}
	}
}

// AcceptRide settles the session on driverID. Only the first valid call for a
// ride succeeds.
func (e *Engine) AcceptRide(rideID, driverID string) (models.MatchResult, error) {
	s, ok := e.store.Get(rideID)
	if !ok {
		return models.MatchResult{}, models.ErrRideNotFound
	}
	s.mu.Lock()
	err := s.checkAcceptLocked(driverID, e.now(), e.cfg.OfferTimeout)
	s.mu.Unlock()
	if err != nil {
		return models.MatchResult{}, err
	}

	ctx, cancel := context.WithTimeout(e.base, etaTimeout)
	defer cancel()
	d, err := e.pool.GetDriver(ctx, driverID)
	if err != nil || !d.Available() {
		return models.MatchResult{}, models.ErrDriverNotAvailable
	}
	res := models.MatchResult{
		RideID:     rideID,
		Success:    true,
		DriverID:   d.ID,
		VehicleID:  d.VehicleID,
		ETASeconds: e.pickupETA(ctx, d, s.ride.Origin),
	}

	// the pool lock must still be ours, or another ride may hold the driver
	s.mu.Lock()
	err = s.checkAcceptLocked(driverID, e.now(), e.cfg.OfferTimeout)
	tok := s.held[driverID]
	s.mu.Unlock()
	if err != nil {
		return models.MatchResult{}, err
	}
	lockCtx, cancelLock := context.WithTimeout(e.base, unlockTimeout)
	defer cancelLock()
	if owns, err := e.pool.HoldsLock(lockCtx, driverID, tok); err != nil || !owns {
		e.logger.Warn("accept after driver lock was lost", "ride_id", rideID, "driver_id", driverID, "err", err)
		return models.MatchResult{}, models.ErrMatchingTimeout
	}

	s.mu.Lock()
	if err := s.checkAcceptLocked(driverID, e.now(), e.cfg.OfferTimeout); err != nil {
		s.mu.Unlock()
		return models.MatchResult{}, err
	}
	held := s.finishLocked(StatusMatched, &res)
	s.mu.Unlock()

	observability.OffersTotal.WithLabelValues("accepted").Inc()
	e.afterFinish(s, StatusMatched, held, &res)
	return res, nil
}

// DeclineRide records that driverID refused the ride. The driver is never
// offered this ride again.
func (e *Engine) DeclineRide(rideID, driverID string) error {
	s, ok := e.store.Get(rideID)
	if !ok {
		return models.ErrRideNotFound
	}
	s.mu.Lock()
	terminal := s.status != StatusSearching
	s.mu.Unlock()
	if terminal {
		return models.ErrRideNotFound
	}
	if tok, ok := s.decline(driverID); ok {
		e.unlock(driverID, tok)
	}
	observability.OffersTotal.WithLabelValues("declined").Inc()
	e.logger.Info("offer declined", "ride_id", rideID, "driver_id", driverID)
	s.notify()
	return nil
}

// CancelMatching stops the session. Its result channel closes without a value.
func (e *Engine) CancelMatching(rideID string) error {
	s, ok := e.store.Get(rideID)
	if !ok {
		return models.ErrRideNotFound
	}
	if !e.finish(s, StatusCancelled, nil) {
		return models.ErrRideNotFound
	}
	return nil
}

// Snapshot returns the current state of a live session.
func (e *Engine) Snapshot(rideID string) (Snapshot, error) {
	s, ok := e.store.Get(rideID)
	if !ok {
		return Snapshot{}, models.ErrRideNotFound
	}
	return s.snapshot(), nil
}

// Active reports the number of live sessions.
func (e *Engine) Active() int { return e.store.Len() }

// Shutdown cancels every session and waits for their loops to release
// their locks and exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish moves a searching session to status. It returns false if the
// session had already ended.
func (e *Engine) finish(s *Session, status Status, res *models.MatchResult) bool {
	s.mu.Lock()
	if s.status != StatusSearching {
		s.mu.Unlock()
		return false
	}
	held := s.finishLocked(status, res)
	s.mu.Unlock()
	e.afterFinish(s, status, held, res)
	return true
}

func (e *Engine) afterFinish(s *Session, status Status, held map[string]string, res *models.MatchResult) {
	e.store.Remove(s.ride.ID)
	s.cancel()
	for id, tok := range held {
		e.unlock(id, tok)
	}

	snap := s.snapshot()
	ended := e.now()
	observability.SessionsActive.Dec()
	observability.MatchResults.WithLabelValues(string(outcomeOf(status))).Inc()
	observability.MatchLatency.Observe(ended.Sub(snap.StartedAt).Seconds())
	observability.MatchAttempts.Observe(float64(snap.Attempt))

	ev := models.MatchEvent{
		RideID:    s.ride.ID,
		Outcome:   outcomeOf(status),
		Attempts:  snap.Attempt,
		RadiusM:   snap.RadiusM,
		StartedAt: snap.StartedAt,
		EndedAt:   ended,
	}
	if res != nil && res.Success {
		ev.DriverID, ev.VehicleID, ev.ETASeconds = res.DriverID, res.VehicleID, res.ETASeconds
	}
	e.logger.Info("matching finished", "ride_id", ev.RideID, "outcome", ev.Outcome,
		"driver_id", ev.DriverID, "attempts", ev.Attempts, "radius_m", ev.RadiusM)

	if e.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := e.events.PublishMatchEvent(ctx, ev); err != nil {
			e.logger.Warn("match event not published", "ride_id", ev.RideID, "err", err)
		}
	}
}

func (e *Engine) unlock(driverID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if err := e.pool.UnlockDriver(ctx, driverID, token); err != nil {
		e.logger.Warn("driver unlock failed", "driver_id", driverID, "err", err)
	}
}

// pickupETA prefers the routing client and falls back to the straight-line
// estimate.
func (e *Engine) pickupETA(ctx context.Context, d models.Driver, pickup models.Coord) int64 {
	if e.eta != nil {
		if v, err := e.eta.EstimateSeconds(ctx, d.Loc, pickup); err == nil {
			if sec := int64(v); sec > geo.MinETASeconds {
				return sec
			}
			return geo.MinETASeconds
		}
	}
	v, _ := eta.Heuristic{Category: d.Category}.EstimateSeconds(ctx, d.Loc, pickup)
	return int64(v)
}

func outcomeOf(s Status) models.MatchOutcome {
	switch s {
	case StatusMatched:
		return models.OutcomeMatched
	case StatusFailed:
		return models.OutcomeFailed
	}
	return models.OutcomeCancelled
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
