package accounts

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Role is the closed set of actor kinds. Keeping it a typed constant set
// (rather than comparing raw strings at call sites) means a misspelled role
// simply does not compile.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

type User struct {
	ID          string
	DisplayName string
	Role        Role
}

type Driver struct {
	ID        string
	Online    bool
	Lat       *float64
	Lon       *float64
	VehicleID string
}

type Vehicle struct {
	ID    string
	Plate string
	Seats int
}

type Route struct {
	ID             string
	AvailableSeats int
}

// Provider is the identity collaborator. Authenticate must succeed before a
// connection is granted any room membership.
type Provider interface {
	GetUser(ctx context.Context, id string) (User, error)
	GetDriver(ctx context.Context, id string) (Driver, error)
	Authenticate(ctx context.Context, token string) (User, error)
}

// VehicleProvider is the vehicle inventory collaborator.
type VehicleProvider interface {
	GetVehicle(ctx context.Context, id string) (Vehicle, error)
}

// RouteProvider is the carpool route inventory collaborator.
type RouteProvider interface {
	GetRoute(ctx context.Context, id string) (Route, error)
}

// MemoryProvider implements all three collaborator interfaces in memory.
// Production deployments substitute clients for the real account, vehicle
// and route services; tests and local runs seed this one.
type MemoryProvider struct {
	mu       sync.RWMutex
	users    map[string]User
	drivers  map[string]Driver
	vehicles map[string]Vehicle
	routes   map[string]Route
	tokens   map[string]string // token -> user id
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		users:    make(map[string]User),
		drivers:  make(map[string]Driver),
		vehicles: make(map[string]Vehicle),
		routes:   make(map[string]Route),
		tokens:   make(map[string]string),
	}
}

func (m *MemoryProvider) AddUser(u User, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	if token != "" {
		m.tokens[token] = u.ID
	}
}

func (m *MemoryProvider) AddDriver(d Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
}

func (m *MemoryProvider) AddVehicle(v Vehicle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = v
}

func (m *MemoryProvider) AddRoute(r Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = r
}

func (m *MemoryProvider) GetUser(ctx context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return u, nil
}

func (m *MemoryProvider) GetDriver(ctx context.Context, id string) (Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok || u.Role != RoleDriver {
		return Driver{}, fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	d, ok := m.drivers[id]
	if !ok {
		return Driver{}, fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	return d, nil
}

func (m *MemoryProvider) Authenticate(ctx context.Context, token string) (User, error) {
	m.mu.RLock()
	id, ok := m.tokens[token]
	m.mu.RUnlock()
	if !ok {
		return User{}, fmt.Errorf("invalid token: %w", models.ErrForbidden)
	}
	return m.GetUser(ctx, id)
}

func (m *MemoryProvider) GetVehicle(ctx context.Context, id string) (Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[id]
	if !ok {
		return Vehicle{}, fmt.Errorf("vehicle %s: %w", id, models.ErrNotFound)
	}
	return v, nil
}

func (m *MemoryProvider) GetRoute(ctx context.Context, id string) (Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return Route{}, fmt.Errorf("route %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}
