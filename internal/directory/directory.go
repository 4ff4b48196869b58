package directory

import (
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Defaults applied when a nearest query passes zero values.
const (
	DefaultMaxDistanceKm = 5.0
	DefaultLimit         = 5
)

// Directory answers "who is near X" over the set of currently known drivers.
// Presence is written only by the owning driver's location reports.
type Directory interface {
	Upsert(p models.DriverPresence)
	MarkOffline(driverID string)
	Get(driverID string) (models.DriverPresence, bool)
	FindNearest(lat, lon, maxDistanceKm float64, limit int) []models.Candidate
}

// Nearest filters a presence pool down to eligible drivers within
// maxDistanceKm of the origin, sorted ascending by distance and truncated to
// limit. Ties keep the pool's order (stable sort). An empty result is not an
// error.
func Nearest(lat, lon float64, pool []models.DriverPresence, maxDistanceKm float64, limit int) []models.Candidate {
	if maxDistanceKm <= 0 {
		maxDistanceKm = DefaultMaxDistanceKm
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	cands := make([]models.Candidate, 0, len(pool))
	for _, p := range pool {
		if !p.Eligible() {
			continue
		}
		d := geo.DistanceKm(lat, lon, *p.Lat, *p.Lon)
		if d > maxDistanceKm {
			continue
		}
		cands = append(cands, models.Candidate{Driver: p, DistanceKm: d})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].DistanceKm < cands[j].DistanceKm })
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands
}

// Index is the in-memory Directory: a linear scan over a snapshot of
// presence records. Suitable for a single node with a moderate driver pool;
// swap in the Redis-backed directory when the pool outgrows it.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
	order   []string // insertion order, keeps tie-breaks deterministic
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverPresence)}
}

func (x *Index) Upsert(p models.DriverPresence) {
	x.mu.Lock()
	defer x.mu.Unlock()
	p.Updated = time.Now()
	if _, seen := x.drivers[p.DriverID]; !seen {
		x.order = append(x.order, p.DriverID)
	}
	x.drivers[p.DriverID] = p
}

func (x *Index) MarkOffline(driverID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if p, ok := x.drivers[driverID]; ok {
		p.Online = false
		p.Updated = time.Now()
		x.drivers[driverID] = p
	}
}

func (x *Index) Get(driverID string) (models.DriverPresence, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.drivers[driverID]
	return p, ok
}

func (x *Index) FindNearest(lat, lon, maxDistanceKm float64, limit int) []models.Candidate {
	x.mu.RLock()
	pool := make([]models.DriverPresence, 0, len(x.order))
	for _, id := range x.order {
		pool = append(pool, x.drivers[id])
	}
	x.mu.RUnlock()
	return Nearest(lat, lon, pool, maxDistanceKm, limit)
}
