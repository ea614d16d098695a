package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrNoSession = errors.New("driver has no live session")

const defaultWriteTimeout = 5 * time.Second

// Responder settles a driver's answer to an offer.
type Responder interface {
	AcceptRide(rideID, driverID string) (models.MatchResult, error)
	DeclineRide(rideID, driverID string) error
}

// Frame types exchanged over a driver socket.
const (
	FrameOffer        = "ride_offer"
	FrameAccept       = "accept"
	FrameDecline      = "decline"
	FrameAcceptResult = "accept_result"
	FrameDeclineAck   = "decline_ack"
	FrameError        = "error"
)

type envelope struct {
	Type   string              `json:"type"`
	RideID string              `json:"ride_id,omitempty"`
	Offer  *models.Offer       `json:"offer,omitempty"`
	Result *models.MatchResult `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// WSSession represents a connected driver session
type WSSession struct {
	driverID string
	conn     *websocket.Conn
	mu       sync.Mutex
	once     sync.Once
}

func (s *WSSession) send(v envelope, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteJSON(v)
}

func (s *WSSession) close() {
	s.once.Do(func() { _ = s.conn.Close() })
}

// WSRegistry holds driver sessions. It delivers offers to drivers and routes
// their accept/decline frames to the bound Responder.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession

	responder    Responder
	logger       *slog.Logger
	writeTimeout time.Duration
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{
		sessions:     make(map[string]*WSSession),
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
	}
}

// Bind sets the Responder for inbound frames. It must be called before the
// first Add.
func (r *WSRegistry) Bind(resp Responder) {
	r.mu.Lock()
	r.responder = resp
	r.mu.Unlock()
}

// Add registers conn as the live session for driverID, replacing any previous
// one, and starts reading its frames.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	s := &WSSession{driverID: driverID, conn: conn}
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if old != nil {
		old.close()
	}
	observability.DriversLive.Set(float64(r.Connected()))
	r.logger.Info("driver connected", "driver_id", driverID, "replaced", old != nil)
	go r.readLoop(s)
}

// Connected reports the number of drivers with a live socket.
func (r *WSRegistry) Connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SendOffer implements the matcher's offer sender.
func (r *WSRegistry) SendOffer(ctx context.Context, offer models.Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[offer.DriverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.send(envelope{Type: FrameOffer, RideID: offer.RideID, Offer: &offer}, r.writeTimeout); err != nil {
		r.logger.Warn("ws send error", "driver_id", offer.DriverID, "err", err)
		r.drop(s)
		return err
	}
	return nil
}

func (r *WSRegistry) readLoop(s *WSSession) {
	defer r.drop(s)
	for {
		var msg models.DriverResponse
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("ws read ended", "driver_id", s.driverID, "err", err)
			}
			return
		}
		reply := r.handle(s.driverID, msg)
		if err := s.send(reply, r.writeTimeout); err != nil {
			return
		}
	}
}

// handle answers one inbound frame. The driver id always comes from the
// session, never from the frame.
func (r *WSRegistry) handle(driverID string, msg models.DriverResponse) envelope {
	r.mu.RLock()
	resp := r.responder
	r.mu.RUnlock()
	if resp == nil {
		return envelope{Type: FrameError, RideID: msg.RideID, Error: "not accepting responses"}
	}
	switch msg.Type {
	case FrameAccept:
		res, err := resp.AcceptRide(msg.RideID, driverID)
		if err != nil {
			return envelope{Type: FrameAcceptResult, RideID: msg.RideID, Error: err.Error()}
		}
		return envelope{Type: FrameAcceptResult, RideID: msg.RideID, Result: &res}
	case FrameDecline:
		if err := resp.DeclineRide(msg.RideID, driverID); err != nil {
			return envelope{Type: FrameDeclineAck, RideID: msg.RideID, Error: err.Error()}
		}
		return envelope{Type: FrameDeclineAck, RideID: msg.RideID}
	}
	return envelope{Type: FrameError, RideID: msg.RideID, Error: "unknown frame type " + msg.Type}
}

// drop removes s if it is still the registered session for its driver.
func (r *WSRegistry) drop(s *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.driverID]; ok && cur == s {
		delete(r.sessions, s.driverID)
		r.logger.Info("driver disconnected", "driver_id", s.driverID)
	}
	r.mu.Unlock()
	observability.DriversLive.Set(float64(r.Connected()))
	s.close()
}
