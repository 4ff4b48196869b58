package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

// Lifecycle is the slice of the ride service the channel drives.
type Lifecycle interface {
	Accept(ctx context.Context, rideID, driverID string) (*models.Ride, *models.Booking, error)
	Decline(ctx context.Context, rideID, driverID string) (*models.Ride, *models.Booking, error)
}

// Channel bridges ride creation to the assigned driver's live connections
// and the driver's decision back to the booking's customer.
type Channel struct {
	Registry *registry.Registry
	Rides    Lifecycle
	Accounts accounts.Provider
	Logger   *slog.Logger
}

func NewChannel(reg *registry.Registry, rides Lifecycle, acct accounts.Provider, logger *slog.Logger) *Channel {
	return &Channel{Registry: reg, Rides: rides, Accounts: acct, Logger: logger}
}

// NotifyDriver pushes an incoming-ride-request to every live session of the
// assigned driver. Delivery is best-effort and never queued: a driver with no
// session at this instant simply misses the push and finds the ride by
// polling their rides list over REST.
func (c *Channel) NotifyDriver(ctx context.Context, ride *models.Ride, customer accounts.User) {
	ev := models.Event{
		Type: models.EventIncomingRideRequest,
		Data: models.IncomingRideRequest{
			RideID:       ride.ID,
			CustomerID:   customer.ID,
			CustomerName: customer.DisplayName,
			Pickup:       ride.Pickup,
			Dropoff:      ride.Dropoff,
			Fare:         ride.Fare,
			Kind:         ride.Kind,
		},
	}
	observability.DispatchesTotal.Inc()
	if err := c.Registry.SendToUser(ride.DriverID, ev); err != nil {
		observability.DispatchFailuresTotal.Inc()
		c.Logger.Info("ride request not delivered",
			"ride_id", ride.ID, "driver_id", ride.DriverID, "error", err)
	}
}

// HandleDriverResponse processes an accept/decline frame from a connected
// client. The sender must hold the driver role; the customer to notify is
// resolved from the stored booking, never from anything the client sent.
func (c *Channel) HandleDriverResponse(ctx context.Context, sender *registry.Session, resp models.DriverRideResponse) error {
	user, err := c.Accounts.GetUser(ctx, sender.UserID)
	if err != nil || user.Role != accounts.RoleDriver {
		c.sendError(sender, "only drivers can respond to ride requests")
		return fmt.Errorf("sender %s: %w", sender.UserID, models.ErrForbidden)
	}

	var ride *models.Ride
	var booking *models.Booking
	if resp.Accepted {
		ride, booking, err = c.Rides.Accept(ctx, resp.RideID, user.ID)
	} else {
		ride, booking, err = c.Rides.Decline(ctx, resp.RideID, user.ID)
	}
	if err != nil {
		// Covers the decision race: the loser sees NotFound here and the
		// customer hears nothing about the phantom attempt.
		msg := "could not apply ride response"
		if errors.Is(err, models.ErrNotFound) {
			msg = "ride no longer available"
		}
		c.sendError(sender, msg)
		return err
	}

	c.Logger.Info("driver ride response applied",
		"ride_id", ride.ID, "driver_id", user.ID, "accepted", resp.Accepted)

	if booking == nil {
		c.Logger.Warn("ride has no booking to notify", "ride_id", ride.ID)
		return nil
	}

	update := models.RideStatusUpdate{RideID: ride.ID, NewStatus: ride.Status}
	if resp.Accepted {
		update.DriverName = user.DisplayName
	}
	ev := models.Event{Type: models.EventRideStatusUpdate, Data: update}
	if err := c.Registry.SendToUser(booking.UserID, ev); err != nil {
		// Best-effort as well; the customer can poll the booking over REST.
		c.Logger.Info("status update not delivered",
			"ride_id", ride.ID, "user_id", booking.UserID, "error", err)
	}
	return nil
}

// BroadcastStatus fans a status change out to everyone watching the ride's
// room, for trip-progress screens that joined via join-ride.
func (c *Channel) BroadcastStatus(ride *models.Ride) {
	c.Registry.BroadcastToRoom("ride:"+ride.ID, models.Event{
		Type: models.EventRideStatusUpdate,
		Data: models.RideStatusUpdate{RideID: ride.ID, NewStatus: ride.Status},
	})
}

func (c *Channel) sendError(s *registry.Session, msg string) {
	err := s.Send(models.Event{Type: models.EventError, Data: models.ErrorEvent{Message: msg}})
	if err != nil {
		c.Logger.Debug("error event not delivered", "user_id", s.UserID, "error", err)
	}
}
