package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultStaleAfter drops drivers whose last location update is older than this.
const DefaultStaleAfter = 5 * time.Minute

// unlock only when the lock still carries the owner's token
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisPool implements the driver pool on Redis GEO commands plus a hash of
// metadata per driver and SET NX locks whose value is the owner token.
type RedisPool struct {
	client     *redis.Client
	geoKey     string
	staleAfter time.Duration
	now        func() time.Time
}

func NewRedisPool(client *redis.Client, geoKey string) *RedisPool {
	return &RedisPool{
		client:     client,
		geoKey:     geoKey,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

func metaKey(id string) string { return "driver:meta:" + id }
func lockKey(id string) string { return "driver:lock:" + id }

// Upsert stores the driver position with GEOADD and its metadata with HSET.
func (r *RedisPool) Upsert(ctx context.Context, d models.Driver) error {
	if !geo.IsValidCoordinate(d.Loc) {
		return models.ErrInvalidLocation
	}
	if d.Status == "" {
		d.Status = models.DriverStatusOnline
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"vehicle_id":      d.VehicleID,
		"category":        string(d.Category),
		"rating":          strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"acceptance_rate": strconv.FormatFloat(d.AcceptanceRate, 'f', -1, 64),
		"status":          string(d.Status),
		"updated":         r.now().UTC().Format(time.RFC3339Nano),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisPool) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.geoKey, driverID)
	pipe.Del(ctx, metaKey(driverID), lockKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisPool) GetNearbyDrivers(ctx context.Context, center models.Coord, radiusM float64, category models.VehicleCategory) ([]models.NearbyDriver, error) {
	res, err := r.client.GeoRadius(ctx, r.geoKey, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     maxNearby,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	if len(res) == 0 {
		return []models.NearbyDriver{}, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("driver metadata: %w", err)
	}

	now := r.now()
	out := make([]models.NearbyDriver, 0, len(res))
	for i, g := range res {
		if g.Dist > radiusM {
			continue
		}
		d, ok := driverFromMeta(g.Name, metas[i].Val())
		if !ok || !d.Available() || !categoryMatches(d.Category, category) {
			continue
		}
		if r.staleAfter > 0 && now.Sub(d.Updated) > r.staleAfter {
			continue
		}
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, candidate(d, g.Dist, now))
	}
	return out, nil
}

func (r *RedisPool) GetDriver(ctx context.Context, driverID string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.Driver{}, fmt.Errorf("get driver %s: %w", driverID, err)
	}
	d, ok := driverFromMeta(driverID, m)
	if !ok {
		return models.Driver{}, models.ErrDriverNotFound
	}
	pos, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result()
	if err != nil {
		return models.Driver{}, fmt.Errorf("get driver position %s: %w", driverID, err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Driver{}, models.ErrDriverNotFound
	}
	d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	return d, nil
}

func (r *RedisPool) LockDriver(ctx context.Context, driverID, owner string, d time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKey(driverID), owner, d).Result()
	if err != nil {
		return false, fmt.Errorf("lock driver %s: %w", driverID, err)
	}
	return ok, nil
}

// UnlockDriver is a no-op unless owner still holds the lock.
func (r *RedisPool) UnlockDriver(ctx context.Context, driverID, owner string) error {
	if err := unlockScript.Run(ctx, r.client, []string{lockKey(driverID)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("unlock driver %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisPool) IsDriverLocked(ctx context.Context, driverID string) bool {
	n, err := r.client.Exists(ctx, lockKey(driverID)).Result()
	return err == nil && n > 0
}

func (r *RedisPool) HoldsLock(ctx context.Context, driverID, owner string) (bool, error) {
	v, err := r.client.Get(ctx, lockKey(driverID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", driverID, err)
	}
	return v == owner, nil
}

func (r *RedisPool) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func driverFromMeta(id string, m map[string]string) (models.Driver, bool) {
	if len(m) == 0 {
		return models.Driver{}, false
	}
	d := models.Driver{
		ID:        id,
		VehicleID: m["vehicle_id"],
		Category:  models.VehicleCategory(m["category"]),
		Status:    models.DriverStatus(m["status"]),
	}
	if v, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		d.Rating = v
	}
	if v, err := strconv.ParseFloat(m["acceptance_rate"], 64); err == nil {
		d.AcceptanceRate = v
	}
	if v, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		d.Updated = v
	}
	return d, true
}
