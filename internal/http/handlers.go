package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// DriverPool is what the service layer needs from the pool.
type DriverPool interface {
	Upsert(ctx context.Context, d models.Driver) error
	GetDriver(ctx context.Context, driverID string) (models.Driver, error)
}

// LocationPublisher forwards location updates to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Deps struct {
	Engine    *matcher.Engine
	Pool      DriverPool
	Store     storage.TripStore
	Locations LocationPublisher // optional
	WSReg     *dispatch.WSRegistry
	Logger    *slog.Logger
}

type Server struct {
	engine    *matcher.Engine
	pool      DriverPool
	store     storage.TripStore
	locations LocationPublisher
	wsreg     *dispatch.WSRegistry
	logger    *slog.Logger
	mux       *mux.Router
	now       func() time.Time

	watchers sync.WaitGroup
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    d.Engine,
		pool:      d.Pool,
		store:     d.Store,
		locations: d.Locations,
		wsreg:     d.WSReg,
		logger:    logger,
		mux:       mux.NewRouter(),
		now:       time.Now,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}", s.handleGetDriver).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides", s.handleRideRequest).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/matching", s.handleCancelMatching).Methods(http.MethodDelete)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAccept).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/decline", s.handleDecline).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Wait blocks until every ride's result has been recorded. Call it after the
// engine has shut down.
func (s *Server) Wait() { s.watchers.Wait() }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.ID == "" {
		http.Error(w, "missing driver id", http.StatusBadRequest)
		return
	}
	if !geo.IsValidCoordinate(d.Loc) {
		writeError(w, models.ErrInvalidLocation)
		return
	}
	if d.Status == "" {
		d.Status = models.DriverStatusOnline
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("location not published", "driver_id", d.ID, "err", err)
		}
	}
	if err := s.pool.Upsert(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	observability.LocationUpdates.WithLabelValues("http").Inc()
	if counter, ok := s.pool.(interface{ Online() int }); ok {
		observability.DriversOnline.Set(float64(counter.Online()))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.pool.GetDriver(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var rr models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rr.RiderID == "" {
		http.Error(w, "missing rider_id", http.StatusBadRequest)
		return
	}
	if !geo.IsValidCoordinate(rr.Origin) || !geo.IsValidCoordinate(rr.Destination) {
		writeError(w, models.ErrInvalidLocation)
		return
	}
	now := s.now()
	ride := &models.Ride{
		ID:          uuid.NewString(),
		RiderID:     rr.RiderID,
		Origin:      rr.Origin,
		Destination: rr.Destination,
		Category:    rr.Category,
		Status:      models.RideStatusSearching,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveRide(r.Context(), ride); err != nil {
		s.logger.Error("save ride failed", "ride_id", ride.ID, "err", err)
		http.Error(w, "could not save ride", http.StatusInternalServerError)
		return
	}
	ch, err := s.engine.StartMatching(*ride)
	if err != nil {
		s.abandonRide(r.Context(), ride, err)
		code := statusFor(err)
		msg := err.Error()
		if code == http.StatusInternalServerError {
			msg = "internal error"
		}
		writeJSON(w, code, map[string]any{"error": msg, "ride_id": ride.ID, "status": ride.Status})
		return
	}
	s.watchers.Add(1)
	go s.recordResult(*ride, ch)

	writeJSON(w, http.StatusAccepted, map[string]any{"ride_id": ride.ID, "status": ride.Status})
}

// abandonRide closes out a stored ride whose matching never started.
func (s *Server) abandonRide(ctx context.Context, ride *models.Ride, cause error) {
	s.logger.Warn("matching not started", "ride_id", ride.ID, "err", cause)
	ride.Status = models.RideStatusCancelled
	ride.UpdatedAt = s.now()
	if err := s.store.UpdateRide(ctx, ride); err != nil {
		s.logger.Error("update ride failed", "ride_id", ride.ID, "status", ride.Status, "err", err)
	}
}

// recordResult persists the outcome delivered on ch.
func (s *Server) recordResult(ride models.Ride, ch <-chan models.MatchResult) {
	defer s.watchers.Done()
	res, ok := <-ch

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch {
	case !ok:
		ride.Status = models.RideStatusCancelled
	case res.Success:
		ride.Status = models.RideStatusDriverAssigned
		ride.DriverID, ride.VehicleID, ride.ETASeconds = res.DriverID, res.VehicleID, res.ETASeconds
		s.markOnRide(ctx, res.DriverID)
	default:
		ride.Status = models.RideStatusNoDrivers
	}
	ride.UpdatedAt = s.now()
	if err := s.store.UpdateRide(ctx, &ride); err != nil {
		s.logger.Error("update ride failed", "ride_id", ride.ID, "status", ride.Status, "err", err)
	}
}

func (s *Server) markOnRide(ctx context.Context, driverID string) {
	d, err := s.pool.GetDriver(ctx, driverID)
	if err != nil {
		s.logger.Warn("assigned driver lookup failed", "driver_id", driverID, "err", err)
		return
	}
	d.Status = models.DriverStatusOnRide
	if err := s.pool.Upsert(ctx, d); err != nil {
		s.logger.Warn("assigned driver status not updated", "driver_id", driverID, "err", err)
	}
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	ride, err := s.store.GetRide(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"ride": ride}
	if snap, err := s.engine.Snapshot(id); err == nil {
		resp["matching"] = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelMatching(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelMatching(mux.Vars(r)["ride_id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type driverAnswer struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body driverAnswer
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "missing driver_id", http.StatusBadRequest)
		return
	}
	res, err := s.engine.AcceptRide(mux.Vars(r)["ride_id"], body.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var body driverAnswer
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "missing driver_id", http.StatusBadRequest)
		return
	}
	if err := s.engine.DeclineRide(mux.Vars(r)["ride_id"], body.DriverID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", id, "err", err)
		return
	}
	s.wsreg.Add(id, conn)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrRideNotFound), errors.Is(err, models.ErrDriverNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRideAlreadyAssigned),
		errors.Is(err, models.ErrInvalidStatusTransition),
		errors.Is(err, models.ErrDriverNotAvailable):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrMatchingTimeout):
		return http.StatusGone
	case errors.Is(err, models.ErrInvalidLocation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNoDriversAvailable), errors.Is(err, matcher.ErrEngineClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
