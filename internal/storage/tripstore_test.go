package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func sampleRide() *models.Ride {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Ride{
		ID:          uuid.NewString(),
		RiderID:     "rider-1",
		Origin:      models.Coord{Lat: 6.5244, Lon: 3.3792},
		Destination: models.Coord{Lat: 6.4550, Lon: 3.3941},
		Category:    models.CategoryCar,
		Status:      models.RideStatusSearching,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func exerciseStore(t *testing.T, st TripStore) {
	ctx := context.Background()
	r := sampleRide()
	require.NoError(t, st.SaveRide(ctx, r))

	got, err := st.GetRide(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideStatusSearching, got.Status)
	assert.Equal(t, r.Origin, got.Origin)

	r.Status = models.RideStatusDriverAssigned
	r.DriverID, r.VehicleID, r.ETASeconds = "d1", "veh-d1", 180
	r.UpdatedAt = r.UpdatedAt.Add(time.Minute)
	require.NoError(t, st.UpdateRide(ctx, r))

	got, err = st.GetRide(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideStatusDriverAssigned, got.Status)
	assert.Equal(t, "d1", got.DriverID)
	assert.Equal(t, "veh-d1", got.VehicleID)
	assert.EqualValues(t, 180, got.ETASeconds)

	_, err = st.GetRide(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrRideNotFound)
	assert.ErrorIs(t, st.UpdateRide(ctx, &models.Ride{ID: "missing", UpdatedAt: time.Now()}), models.ErrRideNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	st := NewMemoryStore()
	r := sampleRide()
	require.NoError(t, st.SaveRide(context.Background(), r))
	r.Status = models.RideStatusCancelled

	got, err := st.GetRide(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideStatusSearching, got.Status)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx := context.Background()
	st, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))
	exerciseStore(t, st)
}
