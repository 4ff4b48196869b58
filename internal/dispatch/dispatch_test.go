package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type recorderConn struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *recorderConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v.(models.Event))
	return nil
}

func (c *recorderConn) Close() error { return nil }

func (c *recorderConn) last(t *testing.T) models.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		t.Fatal("no events recorded")
	}
	return c.events[len(c.events)-1]
}

func (c *recorderConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type fixture struct {
	channel  *Channel
	rides    *lifecycle.Service
	reg      *registry.Registry
	acct     *accounts.MemoryProvider
	customer accounts.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	acct := accounts.NewMemoryProvider()
	customer := accounts.User{ID: "cust-1", DisplayName: "Cara", Role: accounts.RoleCustomer}
	acct.AddUser(customer, "tok-c")
	acct.AddUser(accounts.User{ID: "drv-1", DisplayName: "Dan", Role: accounts.RoleDriver}, "tok-d")
	acct.AddDriver(accounts.Driver{ID: "drv-1", Online: true, VehicleID: "veh-1"})
	acct.AddVehicle(accounts.Vehicle{ID: "veh-1", Seats: 4})

	rides := lifecycle.New(storage.NewMemoryStore(), acct, acct, acct, slog.Default())
	reg := registry.New()
	return &fixture{
		channel:  NewChannel(reg, rides, acct, slog.Default()),
		rides:    rides,
		reg:      reg,
		acct:     acct,
		customer: customer,
	}
}

func (f *fixture) createRide(t *testing.T, fare float64) *models.Ride {
	t.Helper()
	ride, _, err := f.rides.CreateRide(context.Background(), lifecycle.CreateRideInput{
		CustomerID: "cust-1",
		DriverID:   "drv-1",
		VehicleID:  "veh-1",
		Pickup:     models.Coord{Lat: 1.0, Lon: 1.0},
		Dropoff:    models.Coord{Lat: 1.2, Lon: 1.2},
		Kind:       models.RidePrivate,
		Fare:       fare,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return ride
}

func TestNotifyDriverFansOutToAllDriverSessions(t *testing.T) {
	f := newFixture(t)
	phone, tablet := &recorderConn{}, &recorderConn{}
	f.reg.Add("drv-1", phone)
	f.reg.Add("drv-1", tablet)

	ride := f.createRide(t, 15.0)
	f.channel.NotifyDriver(context.Background(), ride, f.customer)

	for _, c := range []*recorderConn{phone, tablet} {
		ev := c.last(t)
		if ev.Type != models.EventIncomingRideRequest {
			t.Fatalf("event type %s", ev.Type)
		}
		req := ev.Data.(models.IncomingRideRequest)
		if req.RideID != ride.ID || req.CustomerName != "Cara" || req.Fare != 15.0 {
			t.Fatalf("payload: %+v", req)
		}
	}
}

func TestNotifyDriverNoSessionIsBestEffort(t *testing.T) {
	f := newFixture(t)
	ride := f.createRide(t, 15.0)
	// no driver connection; must not panic or error
	f.channel.NotifyDriver(context.Background(), ride, f.customer)
}

func TestDriverAcceptEndToEnd(t *testing.T) {
	f := newFixture(t)
	driverConn, customerConn := &recorderConn{}, &recorderConn{}
	driverSess := f.reg.Add("drv-1", driverConn)
	f.reg.Add("cust-1", customerConn)

	ride := f.createRide(t, 15.0)
	err := f.channel.HandleDriverResponse(context.Background(), driverSess, models.DriverRideResponse{
		RideID: ride.ID, Accepted: true,
	})
	if err != nil {
		t.Fatalf("handle response: %v", err)
	}

	got, _ := f.rides.GetRide(context.Background(), ride.ID)
	if got.Status != models.RideAccepted {
		t.Fatalf("ride status %s", got.Status)
	}
	b, _ := f.rides.PrimaryBooking(context.Background(), ride.ID)
	if b.Status != models.BookingConfirmed || b.FareAtBooking != 15.0 {
		t.Fatalf("booking: %+v", b)
	}

	ev := customerConn.last(t)
	if ev.Type != models.EventRideStatusUpdate {
		t.Fatalf("customer event type %s", ev.Type)
	}
	update := ev.Data.(models.RideStatusUpdate)
	if update.NewStatus != models.RideAccepted || update.DriverName != "Dan" {
		t.Fatalf("status update: %+v", update)
	}
}

func TestDriverDeclineEndToEnd(t *testing.T) {
	f := newFixture(t)
	driverSess := f.reg.Add("drv-1", &recorderConn{})
	customerConn := &recorderConn{}
	f.reg.Add("cust-1", customerConn)

	ride := f.createRide(t, 15.0)
	if err := f.channel.HandleDriverResponse(context.Background(), driverSess, models.DriverRideResponse{
		RideID: ride.ID, Accepted: false,
	}); err != nil {
		t.Fatalf("handle response: %v", err)
	}

	got, _ := f.rides.GetRide(context.Background(), ride.ID)
	if got.Status != models.RideRejected {
		t.Fatalf("ride status %s", got.Status)
	}
	b, _ := f.rides.PrimaryBooking(context.Background(), ride.ID)
	if b.Status != models.BookingRejected {
		t.Fatalf("booking status %s", b.Status)
	}
	update := customerConn.last(t).Data.(models.RideStatusUpdate)
	if update.NewStatus != models.RideRejected || update.DriverName != "" {
		t.Fatalf("status update: %+v", update)
	}
}

func TestNonDriverResponseRejected(t *testing.T) {
	f := newFixture(t)
	custConn := &recorderConn{}
	custSess := f.reg.Add("cust-1", custConn)
	ride := f.createRide(t, 15.0)

	err := f.channel.HandleDriverResponse(context.Background(), custSess, models.DriverRideResponse{
		RideID: ride.ID, Accepted: true,
	})
	if !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	// state untouched
	got, _ := f.rides.GetRide(context.Background(), ride.ID)
	if got.Status != models.RidePending {
		t.Fatalf("ride mutated by non-driver: %s", got.Status)
	}
	if ev := custConn.last(t); ev.Type != models.EventError {
		t.Fatalf("expected error event, got %s", ev.Type)
	}
}

func TestBroadcastStatusReachesRoomMembers(t *testing.T) {
	f := newFixture(t)
	watcher, outsider := &recorderConn{}, &recorderConn{}
	watcherSess := f.reg.Add("cust-1", watcher)
	f.reg.Add("cust-2", outsider)

	ride := f.createRide(t, 15.0)
	f.reg.JoinRoom(watcherSess, "ride:"+ride.ID)

	f.channel.BroadcastStatus(ride)

	ev := watcher.last(t)
	if ev.Type != models.EventRideStatusUpdate {
		t.Fatalf("event type %s", ev.Type)
	}
	if ev.Data.(models.RideStatusUpdate).RideID != ride.ID {
		t.Fatalf("payload: %+v", ev.Data)
	}
	if outsider.count() != 0 {
		t.Fatalf("outsider received %d events", outsider.count())
	}
}

func TestRaceLoserGetsErrorAndCustomerHearsOnce(t *testing.T) {
	f := newFixture(t)
	driverConn := &recorderConn{}
	driverSess := f.reg.Add("drv-1", driverConn)
	customerConn := &recorderConn{}
	f.reg.Add("cust-1", customerConn)

	ride := f.createRide(t, 15.0)
	ctx := context.Background()
	if err := f.channel.HandleDriverResponse(ctx, driverSess, models.DriverRideResponse{RideID: ride.ID, Accepted: true}); err != nil {
		t.Fatalf("first response: %v", err)
	}
	err := f.channel.HandleDriverResponse(ctx, driverSess, models.DriverRideResponse{RideID: ride.ID, Accepted: false})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second decision, got %v", err)
	}

	ev := driverConn.last(t)
	if ev.Type != models.EventError {
		t.Fatalf("expected error event to driver, got %s", ev.Type)
	}
	if ev.Data.(models.ErrorEvent).Message != "ride no longer available" {
		t.Fatalf("message: %+v", ev.Data)
	}
	// exactly one status update, no phantom second notification
	if customerConn.count() != 1 {
		t.Fatalf("customer received %d events", customerConn.count())
	}
}
