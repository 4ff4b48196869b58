package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// FareHolder places and settles a hold on the customer's payment method.
// Optional collaborator: a nil holder disables payment holds entirely.
// Hold failures are logged, never surfaced; payment settlement is not part
// of the ride status contract.
type FareHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

// Service owns ride and booking status. Every mutation that touches both
// records goes through the store as one unit of work.
type Service struct {
	Store    storage.Store
	Accounts accounts.Provider
	Vehicles accounts.VehicleProvider
	Routes   accounts.RouteProvider
	Payments FareHolder
	Currency string
	Logger   *slog.Logger

	holdMu sync.Mutex
	holds  map[string]string // ride id -> payment hold id
}

func New(store storage.Store, acct accounts.Provider, vehicles accounts.VehicleProvider, routes accounts.RouteProvider, logger *slog.Logger) *Service {
	return &Service{
		Store:    store,
		Accounts: acct,
		Vehicles: vehicles,
		Routes:   routes,
		Currency: "usd",
		Logger:   logger,
		holds:    make(map[string]string),
	}
}

type CreateRideInput struct {
	CustomerID string
	DriverID   string
	VehicleID  string
	RouteID    string
	Pickup     models.Coord
	Dropoff    models.Coord
	Kind       models.RideKind
	Fare       float64
	Seats      int
}

// CreateRide validates the assignment, then creates the ride and its primary
// booking atomically, both in pending status. The booking snapshots the fare:
// later fare changes on the ride never touch FareAtBooking.
func (s *Service) CreateRide(ctx context.Context, in CreateRideInput) (*models.Ride, *models.Booking, error) {
	if in.Fare < 0 {
		return nil, nil, fmt.Errorf("fare must be non-negative: %w", models.ErrValidation)
	}
	switch in.Kind {
	case models.RidePrivate:
		if in.RouteID != "" {
			return nil, nil, fmt.Errorf("route may only be set on carpool rides: %w", models.ErrValidation)
		}
	case models.RideCarpool:
		if in.RouteID == "" {
			return nil, nil, fmt.Errorf("carpool ride requires a route: %w", models.ErrValidation)
		}
	default:
		return nil, nil, fmt.Errorf("unknown ride kind %q: %w", in.Kind, models.ErrValidation)
	}

	if _, err := s.Accounts.GetUser(ctx, in.CustomerID); err != nil {
		return nil, nil, fmt.Errorf("customer: %w", models.ErrValidation)
	}
	if _, err := s.Accounts.GetDriver(ctx, in.DriverID); err != nil {
		return nil, nil, fmt.Errorf("assigned driver not found or is not a driver: %w", models.ErrValidation)
	}
	if _, err := s.Vehicles.GetVehicle(ctx, in.VehicleID); err != nil {
		return nil, nil, fmt.Errorf("vehicle not found: %w", models.ErrValidation)
	}

	seats := in.Seats
	if seats <= 0 {
		seats = 1
	}
	if in.Kind == models.RideCarpool {
		route, err := s.Routes.GetRoute(ctx, in.RouteID)
		if err != nil {
			return nil, nil, fmt.Errorf("route not found: %w", models.ErrValidation)
		}
		if seats > route.AvailableSeats {
			return nil, nil, fmt.Errorf("requested %d seats, route has %d: %w", seats, route.AvailableSeats, models.ErrValidation)
		}
	}

	now := time.Now()
	ride := &models.Ride{
		ID:        uuid.NewString(),
		DriverID:  in.DriverID,
		VehicleID: in.VehicleID,
		RouteID:   in.RouteID,
		Pickup:    in.Pickup,
		Dropoff:   in.Dropoff,
		Kind:      in.Kind,
		Status:    models.RidePending,
		Fare:      in.Fare,
		CreatedAt: now,
		UpdatedAt: now,
	}
	booking := &models.Booking{
		ID:            uuid.NewString(),
		UserID:        in.CustomerID,
		RideID:        ride.ID,
		Kind:          models.BookingRide,
		Status:        models.BookingPending,
		Seats:         seats,
		FareAtBooking: in.Fare,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateRideWithBooking(ctx, ride, booking); err != nil {
		return nil, nil, err
	}

	s.holdFare(ctx, ride.ID, in.CustomerID, in.Fare)
	return ride, booking, nil
}

type CreateBookingInput struct {
	UserID string
	RideID string
	Seats  int
	Kind   models.BookingKind
}

// CreateBooking claims seats on an existing ride, used for carpool joins.
// The seat check reads the route's available seats without decrementing;
// concurrent bookings on the same route can overbook (known limitation,
// pending product clarification).
func (s *Service) CreateBooking(ctx context.Context, in CreateBookingInput) (*models.Booking, error) {
	if _, err := s.Accounts.GetUser(ctx, in.UserID); err != nil {
		return nil, fmt.Errorf("user: %w", models.ErrValidation)
	}
	ride, err := s.Store.GetRide(ctx, in.RideID)
	if err != nil {
		return nil, err
	}

	seats := in.Seats
	if seats <= 0 {
		seats = 1
	}
	if ride.Kind == models.RideCarpool {
		if ride.RouteID == "" {
			return nil, fmt.Errorf("carpool ride has no route: %w", models.ErrValidation)
		}
		route, err := s.Routes.GetRoute(ctx, ride.RouteID)
		if err != nil {
			return nil, fmt.Errorf("route not found: %w", models.ErrValidation)
		}
		if seats > route.AvailableSeats {
			return nil, fmt.Errorf("requested %d seats, route has %d: %w", seats, route.AvailableSeats, models.ErrValidation)
		}
	}

	kind := in.Kind
	if kind == "" {
		kind = models.BookingRide
	}
	now := time.Now()
	booking := &models.Booking{
		ID:            uuid.NewString(),
		UserID:        in.UserID,
		RideID:        ride.ID,
		Kind:          kind,
		Status:        models.BookingPending,
		Seats:         seats,
		FareAtBooking: ride.Fare,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateBooking(ctx, booking); err != nil {
		return nil, err
	}
	return booking, nil
}

// Accept commits the assigned driver's acceptance. The store's compound
// filter makes this safe under racing decisions: the loser gets ErrNotFound
// ("ride no longer available"), never a silent double-apply.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, *models.Booking, error) {
	return s.Store.DecideRide(ctx, rideID, driverID, true, time.Now())
}

// Decline commits the assigned driver's refusal. Reassignment to another
// driver is an external policy, not taken here.
func (s *Service) Decline(ctx context.Context, rideID, driverID string) (*models.Ride, *models.Booking, error) {
	ride, booking, err := s.Store.DecideRide(ctx, rideID, driverID, false, time.Now())
	if err != nil {
		return nil, nil, err
	}
	s.releaseFare(ctx, rideID)
	return ride, booking, nil
}

// Start moves an accepted ride into active.
func (s *Service) Start(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Store.TransitionRide(ctx, rideID, models.RideActive, time.Now())
}

// Complete finishes an active ride and captures any fare hold.
func (s *Service) Complete(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.Store.TransitionRide(ctx, rideID, models.RideCompleted, time.Now())
	if err != nil {
		return nil, err
	}
	s.captureFare(ctx, rideID)
	return ride, nil
}

// Cancel aborts an accepted or active ride and releases any fare hold.
func (s *Service) Cancel(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.Store.TransitionRide(ctx, rideID, models.RideCancelled, time.Now())
	if err != nil {
		return nil, err
	}
	s.releaseFare(ctx, rideID)
	return ride, nil
}

// UpdateFare changes the ride's fare going forward. Existing bookings keep
// their snapshot.
func (s *Service) UpdateFare(ctx context.Context, rideID string, fare float64) (*models.Ride, error) {
	return s.Store.UpdateRideFare(ctx, rideID, fare)
}

func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Store.GetRide(ctx, rideID)
}

func (s *Service) RidesByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	return s.Store.ListRidesByDriver(ctx, driverID)
}

func (s *Service) PrimaryBooking(ctx context.Context, rideID string) (*models.Booking, error) {
	return s.Store.PrimaryBooking(ctx, rideID)
}

func (s *Service) holdFare(ctx context.Context, rideID, customerID string, fare float64) {
	if s.Payments == nil || fare == 0 {
		return
	}
	cents := int64(math.Round(fare * 100))
	holdID, err := s.Payments.Hold(ctx, cents, s.Currency, customerID)
	if err != nil {
		s.Logger.Warn("fare hold failed", "ride_id", rideID, "error", err)
		return
	}
	s.holdMu.Lock()
	s.holds[rideID] = holdID
	s.holdMu.Unlock()
}

func (s *Service) takeHold(rideID string) (string, bool) {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	id, ok := s.holds[rideID]
	if ok {
		delete(s.holds, rideID)
	}
	return id, ok
}

func (s *Service) captureFare(ctx context.Context, rideID string) {
	if s.Payments == nil {
		return
	}
	if holdID, ok := s.takeHold(rideID); ok {
		if err := s.Payments.Capture(ctx, holdID); err != nil {
			s.Logger.Warn("fare capture failed", "ride_id", rideID, "hold_id", holdID, "error", err)
		}
	}
}

func (s *Service) releaseFare(ctx context.Context, rideID string) {
	if s.Payments == nil {
		return
	}
	if holdID, ok := s.takeHold(rideID); ok {
		if err := s.Payments.Cancel(ctx, holdID); err != nil {
			s.Logger.Warn("fare release failed", "ride_id", rideID, "hold_id", holdID, "error", err)
		}
	}
}
