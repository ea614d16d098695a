package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type fakeResponder struct {
	mu       sync.Mutex
	accepts  []string
	declines []string
}

func (f *fakeResponder) AcceptRide(rideID, driverID string) (models.MatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, rideID+"/"+driverID)
	if rideID == "gone" {
		return models.MatchResult{}, models.ErrRideNotFound
	}
	return models.MatchResult{RideID: rideID, Success: true, DriverID: driverID, ETASeconds: 90}, nil
}

func (f *fakeResponder) DeclineRide(rideID, driverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declines = append(f.declines, rideID+"/"+driverID)
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setupRegistry(t *testing.T) (*WSRegistry, *fakeResponder, string) {
	t.Helper()
	reg := NewWSRegistry(quietLogger())
	resp := &fakeResponder{}
	reg.Bind(resp)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(r.URL.Query().Get("driver"), conn)
	}))
	t.Cleanup(srv.Close)
	return reg, resp, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, driverID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?driver="+driverID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestSendOfferAndAccept(t *testing.T) {
	reg, resp, url := setupRegistry(t)
	conn := dial(t, url, "d1")
	require.Eventually(t, func() bool { return reg.Connected() == 1 }, time.Second, 10*time.Millisecond)

	offer := models.Offer{ID: "o1", RideID: "r1", DriverID: "d1", ETASeconds: 120, Status: models.OfferPending}
	require.NoError(t, reg.SendOffer(context.Background(), offer))

	env := readEnvelope(t, conn)
	assert.Equal(t, FrameOffer, env.Type)
	require.NotNil(t, env.Offer)
	assert.Equal(t, "o1", env.Offer.ID)

	// the driver id in the frame is ignored in favour of the session's
	require.NoError(t, conn.WriteJSON(models.DriverResponse{Type: FrameAccept, RideID: "r1", DriverID: "spoofed"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, FrameAcceptResult, env.Type)
	require.NotNil(t, env.Result)
	assert.True(t, env.Result.Success)
	assert.Equal(t, "d1", env.Result.DriverID)

	require.NoError(t, conn.WriteJSON(models.DriverResponse{Type: FrameAccept, RideID: "gone"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, models.ErrRideNotFound.Error(), env.Error)

	require.NoError(t, conn.WriteJSON(models.DriverResponse{Type: FrameDecline, RideID: "r2"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, FrameDeclineAck, env.Type)
	assert.Empty(t, env.Error)

	require.NoError(t, conn.WriteJSON(models.DriverResponse{Type: "wave", RideID: "r2"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, FrameError, env.Type)

	resp.mu.Lock()
	defer resp.mu.Unlock()
	assert.Equal(t, []string{"r1/d1", "gone/d1"}, resp.accepts)
	assert.Equal(t, []string{"r2/d1"}, resp.declines)
}

func TestSendOfferWithoutSession(t *testing.T) {
	reg := NewWSRegistry(quietLogger())
	err := reg.SendOffer(context.Background(), models.Offer{DriverID: "nobody"})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDisconnectRemovesSession(t *testing.T) {
	reg, _, url := setupRegistry(t)
	conn := dial(t, url, "d1")
	require.Eventually(t, func() bool { return reg.Connected() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(observability.DriversLive) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return reg.Connected() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(observability.DriversLive) == 0
	}, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, reg.SendOffer(context.Background(), models.Offer{DriverID: "d1"}), ErrNoSession)
}

func TestReconnectReplacesSession(t *testing.T) {
	reg, _, url := setupRegistry(t)
	first := dial(t, url, "d1")
	require.Eventually(t, func() bool { return reg.Connected() == 1 }, time.Second, 10*time.Millisecond)
	second := dial(t, url, "d1")

	// the old socket is closed by the server
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "expected close, got timeout")

	require.NoError(t, reg.SendOffer(context.Background(), models.Offer{ID: "o2", RideID: "r1", DriverID: "d1"}))
	env := readEnvelope(t, second)
	assert.Equal(t, "o2", env.Offer.ID)
	assert.Equal(t, 1, reg.Connected())
}

func TestPushDispatcherAndFallback(t *testing.T) {
	var got map[string]json.RawMessage
	var mu sync.Mutex
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		if strings.Contains(string(got["driver_id"]), "reject") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer gw.Close()

	sender := Fallback{NewWSRegistry(quietLogger()), NewPushDispatcher(gw.URL)}
	require.NoError(t, sender.SendOffer(context.Background(), models.Offer{RideID: "r1", DriverID: "d9"}))
	mu.Lock()
	assert.JSONEq(t, `"r1"`, string(got["ride_id"]))
	mu.Unlock()

	err := sender.SendOffer(context.Background(), models.Offer{RideID: "r1", DriverID: "reject-me"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorContains(t, err, "502")

	assert.ErrorIs(t, Fallback{}.SendOffer(context.Background(), models.Offer{}), ErrNoSession)
}
