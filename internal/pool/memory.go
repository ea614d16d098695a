package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryPool is an in-process driver pool with expiring locks. It backs
// local runs and tests; production uses RedisPool.
type MemoryPool struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	locks   map[string]memLock
	now     func() time.Time
}

type memLock struct {
	owner   string
	expires time.Time
}

func NewMemoryPool(now func() time.Time) *MemoryPool {
	if now == nil {
		now = time.Now
	}
	return &MemoryPool{
		drivers: make(map[string]models.Driver),
		locks:   make(map[string]memLock),
		now:     now,
	}
}

func (p *MemoryPool) Upsert(_ context.Context, d models.Driver) error {
	if !geo.IsValidCoordinate(d.Loc) {
		return models.ErrInvalidLocation
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d.Updated = p.now()
	p.drivers[d.ID] = d
	return nil
}

func (p *MemoryPool) Remove(_ context.Context, driverID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.drivers, driverID)
	delete(p.locks, driverID)
	return nil
}

// GetNearbyDrivers scans online drivers inside a bounding box and keeps those
// within radiusM, closest first.
func (p *MemoryPool) GetNearbyDrivers(_ context.Context, center models.Coord, radiusM float64, category models.VehicleCategory) ([]models.NearbyDriver, error) {
	now := p.now()
	box := geo.NewBoundingBox(center, radiusM)

	p.mu.RLock()
	out := make([]models.NearbyDriver, 0)
	for _, d := range p.drivers {
		if !d.Available() || !categoryMatches(d.Category, category) {
			continue
		}
		if !box.Contains(d.Loc) {
			continue
		}
		dist := geo.Distance(center, d.Loc)
		if dist > radiusM {
			continue
		}
		out = append(out, candidate(d, dist, now))
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	if len(out) > maxNearby {
		out = out[:maxNearby]
	}
	return out, nil
}

func (p *MemoryPool) GetDriver(_ context.Context, driverID string) (models.Driver, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.drivers[driverID]
	if !ok {
		return models.Driver{}, models.ErrDriverNotFound
	}
	return d, nil
}

// LockDriver takes the driver's lock for owner unless a live lock exists.
func (p *MemoryPool) LockDriver(_ context.Context, driverID, owner string, d time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if l, ok := p.locks[driverID]; ok && now.Before(l.expires) {
		return false, nil
	}
	p.locks[driverID] = memLock{owner: owner, expires: now.Add(d)}
	return true, nil
}

// UnlockDriver releases the lock only if owner holds it.
func (p *MemoryPool) UnlockDriver(_ context.Context, driverID, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.locks[driverID]; ok && l.owner == owner {
		delete(p.locks, driverID)
	}
	return nil
}

func (p *MemoryPool) IsDriverLocked(_ context.Context, driverID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.locks[driverID]
	return ok && p.now().Before(l.expires)
}

func (p *MemoryPool) HoldsLock(_ context.Context, driverID, owner string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.locks[driverID]
	return ok && l.owner == owner && p.now().Before(l.expires), nil
}

// Online counts drivers currently marked online.
func (p *MemoryPool) Online() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, d := range p.drivers {
		if d.Available() {
			n++
		}
	}
	return n
}
