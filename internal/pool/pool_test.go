package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var pickup = models.Coord{Lat: 6.5244, Lon: 3.3792}

// noon keeps the traffic factor at 1.0
var noon = time.Date(2024, 5, 6, 11, 0, 0, 0, time.UTC)

type driverPool interface {
	Upsert(ctx context.Context, d models.Driver) error
	GetNearbyDrivers(ctx context.Context, center models.Coord, radiusM float64, category models.VehicleCategory) ([]models.NearbyDriver, error)
	GetDriver(ctx context.Context, driverID string) (models.Driver, error)
	LockDriver(ctx context.Context, driverID, owner string, d time.Duration) (bool, error)
	UnlockDriver(ctx context.Context, driverID, owner string) error
	IsDriverLocked(ctx context.Context, driverID string) bool
	HoldsLock(ctx context.Context, driverID, owner string) (bool, error)
}

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newRedisPool(t *testing.T) *RedisPool {
	_, client := setupMiniredis(t)
	p := NewRedisPool(client, "drivers_geo")
	p.now = func() time.Time { return noon }
	return p
}

func pools(t *testing.T) map[string]driverPool {
	return map[string]driverPool{
		"memory": NewMemoryPool(func() time.Time { return noon }),
		"redis":  newRedisPool(t),
	}
}

func driverAt(id string, distanceM float64, cat models.VehicleCategory) models.Driver {
	return models.Driver{
		ID:             id,
		VehicleID:      "veh-" + id,
		Category:       cat,
		Loc:            geo.DestinationPoint(pickup, distanceM, 45),
		Rating:         4.5,
		AcceptanceRate: 0.9,
		Status:         models.DriverStatusOnline,
	}
}

func TestGetNearbyDrivers(t *testing.T) {
	for name, p := range pools(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, p.Upsert(ctx, driverAt("near", 500, models.CategoryCar)))
			require.NoError(t, p.Upsert(ctx, driverAt("mid", 2500, models.CategoryCar)))
			require.NoError(t, p.Upsert(ctx, driverAt("far", 8000, models.CategoryCar)))
			require.NoError(t, p.Upsert(ctx, driverAt("bike", 700, models.CategoryBike)))
			off := driverAt("off", 300, models.CategoryCar)
			off.Status = models.DriverStatusOffline
			require.NoError(t, p.Upsert(ctx, off))

			got, err := p.GetNearbyDrivers(ctx, pickup, 3000, models.CategoryCar)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "near", got[0].Driver.ID)
			assert.Equal(t, "mid", got[1].Driver.ID)
			for _, c := range got {
				assert.LessOrEqual(t, c.DistanceM, 3000.0)
				assert.Equal(t, geo.EstimateETA(c.DistanceM, models.CategoryCar), c.ETASeconds)
				assert.Equal(t, 4.5, c.Driver.Rating)
				assert.Equal(t, 0.9, c.Driver.AcceptanceRate)
			}

			all, err := p.GetNearbyDrivers(ctx, pickup, 3000, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			none, err := p.GetNearbyDrivers(ctx, models.Coord{Lat: -33.9, Lon: 18.4}, 3000, "")
			require.NoError(t, err)
			assert.NotNil(t, none)
			assert.Empty(t, none)
		})
	}
}

func TestGetDriver(t *testing.T) {
	for name, p := range pools(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := driverAt("d1", 1000, models.CategorySUV)
			require.NoError(t, p.Upsert(ctx, d))

			got, err := p.GetDriver(ctx, "d1")
			require.NoError(t, err)
			assert.Equal(t, "veh-d1", got.VehicleID)
			assert.Equal(t, models.CategorySUV, got.Category)
			assert.True(t, got.Available())
			assert.InDelta(t, 0, geo.Distance(d.Loc, got.Loc), 1)

			_, err = p.GetDriver(ctx, "ghost")
			assert.ErrorIs(t, err, models.ErrDriverNotFound)
		})
	}
}

func TestUpsertRejectsInvalidLocation(t *testing.T) {
	for name, p := range pools(t) {
		t.Run(name, func(t *testing.T) {
			err := p.Upsert(context.Background(), models.Driver{ID: "x", Loc: models.Coord{Lat: 91}})
			assert.ErrorIs(t, err, models.ErrInvalidLocation)
		})
	}
}

func TestLockLifecycle(t *testing.T) {
	for name, p := range pools(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.False(t, p.IsDriverLocked(ctx, "d1"))

			ok, err := p.LockDriver(ctx, "d1", "ride-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, p.IsDriverLocked(ctx, "d1"))

			ok, err = p.LockDriver(ctx, "d1", "ride-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second lock must fail while held")

			require.NoError(t, p.UnlockDriver(ctx, "d1", "ride-a"))
			require.NoError(t, p.UnlockDriver(ctx, "d1", "ride-a"), "unlock is idempotent")
			assert.False(t, p.IsDriverLocked(ctx, "d1"))

			ok, err = p.LockDriver(ctx, "d1", "ride-b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestLockOwnership(t *testing.T) {
	for name, p := range pools(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := p.LockDriver(ctx, "d1", "ride-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, p.UnlockDriver(ctx, "d1", "ride-b"))
			assert.True(t, p.IsDriverLocked(ctx, "d1"), "a foreign unlock is a no-op")

			held, err := p.HoldsLock(ctx, "d1", "ride-a")
			require.NoError(t, err)
			assert.True(t, held)
			held, err = p.HoldsLock(ctx, "d1", "ride-b")
			require.NoError(t, err)
			assert.False(t, held)
			held, err = p.HoldsLock(ctx, "free", "ride-a")
			require.NoError(t, err)
			assert.False(t, held)
		})
	}
}

func TestConcurrentLockSingleWinner(t *testing.T) {
	for name, p := range pools(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := p.LockDriver(context.Background(), "contended", fmt.Sprintf("ride-%d", i), time.Minute)
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, wins.Load())
		})
	}
}

func TestMemoryLockExpires(t *testing.T) {
	now := noon
	p := NewMemoryPool(func() time.Time { return now })
	ctx := context.Background()

	ok, _ := p.LockDriver(ctx, "d1", "ride-a", 30*time.Second)
	require.True(t, ok)
	now = now.Add(31 * time.Second)
	assert.False(t, p.IsDriverLocked(ctx, "d1"))
	ok, _ = p.LockDriver(ctx, "d1", "ride-b", 30*time.Second)
	assert.True(t, ok)

	// the stale owner's release leaves the new lock in place
	require.NoError(t, p.UnlockDriver(ctx, "d1", "ride-a"))
	held, err := p.HoldsLock(ctx, "d1", "ride-b")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRedisLockExpiresAndForeignUnlock(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()
	a := NewRedisPool(client, "drivers_geo")
	b := NewRedisPool(client, "drivers_geo")

	ok, err := a.LockDriver(ctx, "d1", "ride-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// another owner's unlock leaves it in place, same process or not
	require.NoError(t, b.UnlockDriver(ctx, "d1", "ride-b"))
	require.NoError(t, a.UnlockDriver(ctx, "d1", "ride-b"))
	assert.True(t, a.IsDriverLocked(ctx, "d1"))

	mr.FastForward(31 * time.Second)
	assert.False(t, a.IsDriverLocked(ctx, "d1"))
	ok, err = b.LockDriver(ctx, "d1", "ride-b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.UnlockDriver(ctx, "d1", "ride-a"))
	held, err := a.HoldsLock(ctx, "d1", "ride-b")
	require.NoError(t, err)
	assert.True(t, held, "the expired owner cannot release its successor's lock")
}

func TestRedisSkipsStaleDrivers(t *testing.T) {
	p := newRedisPool(t)
	ctx := context.Background()
	require.NoError(t, p.Upsert(ctx, driverAt("old", 400, models.CategoryCar)))

	p.now = func() time.Time { return noon.Add(DefaultStaleAfter + time.Second) }
	got, err := p.GetNearbyDrivers(ctx, pickup, 3000, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryRemoveAndOnline(t *testing.T) {
	p := NewMemoryPool(nil)
	ctx := context.Background()
	require.NoError(t, p.Upsert(ctx, driverAt("a", 100, models.CategoryCar)))
	require.NoError(t, p.Upsert(ctx, driverAt("b", 200, models.CategoryCar)))
	assert.Equal(t, 2, p.Online())

	require.NoError(t, p.Remove(ctx, "a"))
	assert.Equal(t, 1, p.Online())
	_, err := p.GetDriver(ctx, "a")
	assert.ErrorIs(t, err, models.ErrDriverNotFound)
}
