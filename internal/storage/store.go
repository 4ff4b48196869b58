package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store persists rides and their bookings. Operations that touch both a ride
// and a booking are a single unit of work: either both records move or
// neither does. DecideRide carries the compound pending-ride filter, so two
// racing decisions resolve to exactly one winner.
type Store interface {
	CreateRideWithBooking(ctx context.Context, ride *models.Ride, booking *models.Booking) error
	CreateBooking(ctx context.Context, booking *models.Booking) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRidesByDriver(ctx context.Context, driverID string) ([]*models.Ride, error)
	PrimaryBooking(ctx context.Context, rideID string) (*models.Booking, error)

	// DecideRide resolves a driver's accept/decline. It matches only
	// {id, driverID, status=pending}; anything else is ErrNotFound, which
	// covers both foreign rides and already-resolved ones.
	DecideRide(ctx context.Context, rideID, driverID string, accept bool, now time.Time) (*models.Ride, *models.Booking, error)

	// TransitionRide moves a ride to the target status, cascading the
	// matching booking status in the same unit of work. Illegal moves fail
	// with ErrInvalidTransition.
	TransitionRide(ctx context.Context, rideID string, to models.RideStatus, now time.Time) (*models.Ride, error)

	UpdateRideFare(ctx context.Context, rideID string, fare float64) (*models.Ride, error)
}

// bookingStatusFor maps a ride's terminal-ish status onto its booking.
func bookingStatusFor(s models.RideStatus) (models.BookingStatus, bool) {
	switch s {
	case models.RideAccepted:
		return models.BookingConfirmed, true
	case models.RideRejected:
		return models.BookingRejected, true
	case models.RideCompleted:
		return models.BookingCompleted, true
	case models.RideCancelled:
		return models.BookingCancelled, true
	}
	return "", false
}

// MemoryStore keeps everything under one mutex, which makes every operation
// trivially atomic. Used for tests and redis/postgres-less local runs.
type MemoryStore struct {
	mu       sync.Mutex
	rides    map[string]*models.Ride
	bookings map[string]*models.Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		bookings: make(map[string]*models.Booking),
	}
}

func (m *MemoryStore) CreateRideWithBooking(ctx context.Context, ride *models.Ride, booking *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rides[ride.ID]; exists {
		return fmt.Errorf("ride %s already exists: %w", ride.ID, models.ErrValidation)
	}
	m.rides[ride.ID] = copyRide(ride)
	m.bookings[booking.ID] = copyBooking(booking)
	return nil
}

func (m *MemoryStore) CreateBooking(ctx context.Context, booking *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[booking.RideID]; !ok {
		return fmt.Errorf("ride %s: %w", booking.RideID, models.ErrNotFound)
	}
	m.bookings[booking.ID] = copyBooking(booking)
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return copyRide(r), nil
}

func (m *MemoryStore) ListRidesByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.DriverID == driverID {
			out = append(out, copyRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PrimaryBooking(ctx context.Context, rideID string) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.primaryBookingLocked(rideID)
	if b == nil {
		return nil, fmt.Errorf("booking for ride %s: %w", rideID, models.ErrNotFound)
	}
	return copyBooking(b), nil
}

// primaryBookingLocked returns the earliest booking for the ride, the one
// created together with it.
func (m *MemoryStore) primaryBookingLocked(rideID string) *models.Booking {
	var best *models.Booking
	for _, b := range m.bookings {
		if b.RideID != rideID {
			continue
		}
		if best == nil || b.CreatedAt.Before(best.CreatedAt) {
			best = b
		}
	}
	return best
}

func (m *MemoryStore) DecideRide(ctx context.Context, rideID, driverID string, accept bool, now time.Time) (*models.Ride, *models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rides[rideID]
	if !ok || r.DriverID != driverID || r.Status != models.RidePending {
		return nil, nil, fmt.Errorf("pending ride %s for driver %s: %w", rideID, driverID, models.ErrNotFound)
	}

	if accept {
		r.Status = models.RideAccepted
		start := now
		r.StartTime = &start
	} else {
		r.Status = models.RideRejected
	}
	r.UpdatedAt = now

	b := m.primaryBookingLocked(rideID)
	if b != nil {
		bs, _ := bookingStatusFor(r.Status)
		b.Status = bs
		b.UpdatedAt = now
	}
	return copyRide(r), copyBooking(b), nil
}

func (m *MemoryStore) TransitionRide(ctx context.Context, rideID string, to models.RideStatus, now time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rides[rideID]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	if !models.CanTransition(r.Status, to) {
		return nil, fmt.Errorf("ride %s: %s -> %s: %w", rideID, r.Status, to, models.ErrInvalidTransition)
	}
	r.Status = to
	r.UpdatedAt = now
	if to == models.RideCompleted || to == models.RideCancelled {
		end := now
		r.EndTime = &end
	}
	if bs, ok := bookingStatusFor(to); ok {
		if b := m.primaryBookingLocked(rideID); b != nil {
			b.Status = bs
			b.UpdatedAt = now
		}
	}
	return copyRide(r), nil
}

func (m *MemoryStore) UpdateRideFare(ctx context.Context, rideID string, fare float64) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	if fare < 0 {
		return nil, fmt.Errorf("fare must be non-negative: %w", models.ErrValidation)
	}
	r.Fare = fare
	r.UpdatedAt = time.Now()
	return copyRide(r), nil
}

func copyRide(r *models.Ride) *models.Ride {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func copyBooking(b *models.Booking) *models.Booking {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}
