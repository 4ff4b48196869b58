package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	customerToken = "tok-cust"
	driverToken   = "tok-drv"
	adminToken    = "tok-adm"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	acct := accounts.NewMemoryProvider()
	acct.AddUser(accounts.User{ID: "cust-1", DisplayName: "Cara", Role: accounts.RoleCustomer}, customerToken)
	acct.AddUser(accounts.User{ID: "drv-1", DisplayName: "Dan", Role: accounts.RoleDriver}, driverToken)
	acct.AddUser(accounts.User{ID: "adm-1", DisplayName: "Ada", Role: accounts.RoleAdmin}, adminToken)
	acct.AddDriver(accounts.Driver{ID: "drv-1", Online: true, VehicleID: "veh-1"})
	acct.AddVehicle(accounts.Vehicle{ID: "veh-1", Plate: "KA-01", Seats: 4})
	acct.AddRoute(accounts.Route{ID: "route-1", AvailableSeats: 3})

	cfg := config.ServerConfig{MaxDistanceKm: 5, NearestLimit: 5, Currency: "usd"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewServer(cfg, logger, Deps{
		Store:     storage.NewMemoryStore(),
		Accounts:  acct,
		Vehicles:  acct,
		Routes:    acct,
		Directory: directory.NewIndex(),
	})
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestCreateRide(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/rides", customerToken, map[string]any{
		"driver_id":  "drv-1",
		"vehicle_id": "veh-1",
		"kind":       "private",
		"fare":       12.5,
		"pickup":     models.Coord{Lat: 12.9716, Lon: 77.5946},
		"dropoff":    models.Coord{Lat: 12.2958, Lon: 76.6394},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Ride    models.Ride    `json:"ride"`
		Booking models.Booking `json:"booking"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Ride.Status != models.RidePending {
		t.Fatalf("ride status = %s", resp.Ride.Status)
	}
	if resp.Booking.FareAtBooking != 12.5 {
		t.Fatalf("fare at booking = %v", resp.Booking.FareAtBooking)
	}

	// the ride must be retrievable afterwards
	get := doJSON(t, srv, http.MethodGet, "/api/v1/rides/"+resp.Ride.ID, "", nil)
	if get.Code != http.StatusOK {
		t.Fatalf("get status = %d", get.Code)
	}
}

func TestCreateRideRequiresCustomerRole(t *testing.T) {
	srv := newTestServer(t)

	for _, token := range []string{"", driverToken} {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/rides", token, map[string]any{
			"driver_id": "drv-1", "vehicle_id": "veh-1", "kind": "private", "fare": 10,
			"pickup": models.Coord{}, "dropoff": models.Coord{},
		})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("token %q: status = %d", token, rec.Code)
		}
	}
}

func TestCreateRideValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/rides", customerToken, map[string]any{
		"driver_id": "drv-1", "vehicle_id": "veh-1", "kind": "private", "fare": -1,
		"pickup": models.Coord{}, "dropoff": models.Coord{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var e map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e["error"] == "" {
		t.Fatalf("expected error body, got %s", rec.Body)
	}
}

func TestGetRideNotFound(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/rides/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNearestDrivers(t *testing.T) {
	srv := newTestServer(t)

	// report locations for two drivers; about 0 and 2.2 km from the origin
	for i, lat := range []float64{12.9716, 12.9916} {
		rec := doJSON(t, srv, http.MethodPost, "/internal/driver/locations", "", models.LocationReport{
			DriverID: fmt.Sprintf("drv-%d", i+1), Lat: lat, Lon: 77.5946, VehicleID: "veh-1",
		})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("location report status = %d", rec.Code)
		}
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/rides/drivers/nearest?latitude=12.9716&longitude=77.5946", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Data  []models.Candidate `json:"data"`
		Total int                `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("total = %d", resp.Total)
	}
	if resp.Data[0].Driver.DriverID != "drv-1" {
		t.Fatalf("closest = %s", resp.Data[0].Driver.DriverID)
	}

	// tightening the radius excludes the distant driver
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/rides/drivers/nearest?latitude=12.9716&longitude=77.5946&maxDistanceKm=1&limit=5", "", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 1 {
		t.Fatalf("total within 1km = %d", resp.Total)
	}
}

func TestNearestDriversBadQuery(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/rides/drivers/nearest?latitude=abc&longitude=1", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDriverOffline(t *testing.T) {
	srv := newTestServer(t)

	doJSON(t, srv, http.MethodPost, "/internal/driver/locations", "", models.LocationReport{
		DriverID: "drv-1", Lat: 12.9716, Lon: 77.5946,
	})
	rec := doJSON(t, srv, http.MethodPost, "/internal/driver/offline", "", map[string]string{"driver_id": "drv-1"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("offline status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/rides/drivers/nearest?latitude=12.9716&longitude=77.5946", "", nil)
	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 0 {
		t.Fatalf("offline driver still listed, total = %d", resp.Total)
	}
}

func TestRideProgressEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/rides", customerToken, map[string]any{
		"driver_id": "drv-1", "vehicle_id": "veh-1", "kind": "private", "fare": 10,
		"pickup": models.Coord{Lat: 1, Lon: 1}, "dropoff": models.Coord{Lat: 2, Lon: 2},
	})
	var created struct {
		Ride models.Ride `json:"ride"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	rideID := created.Ride.ID

	// starting a pending ride is a conflict
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+rideID+"/start", driverToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("start pending status = %d, body %s", rec.Code, rec.Body)
	}

	// accept directly through the service, then drive the REST lifecycle
	if _, _, err := srv.rides.Accept(context.Background(), rideID, "drv-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+rideID+"/start", driverToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+rideID+"/complete", driverToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", rec.Code, rec.Body)
	}

	var ride models.Ride
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/rides/"+rideID, "", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &ride); err != nil {
		t.Fatalf("decode ride: %v", err)
	}
	if ride.Status != models.RideCompleted {
		t.Fatalf("status = %s", ride.Status)
	}
}

func TestRideProgressForbiddenForOtherDriver(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/rides", customerToken, map[string]any{
		"driver_id": "drv-1", "vehicle_id": "veh-1", "kind": "private", "fare": 10,
		"pickup": models.Coord{Lat: 1, Lon: 1}, "dropoff": models.Coord{Lat: 2, Lon: 2},
	})
	var created struct {
		Ride models.Ride `json:"ride"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	// a customer token cannot drive ride progress
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+created.Ride.ID+"/start", customerToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUpdateFareRequiresAdmin(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/rides", customerToken, map[string]any{
		"driver_id": "drv-1", "vehicle_id": "veh-1", "kind": "private", "fare": 10,
		"pickup": models.Coord{Lat: 1, Lon: 1}, "dropoff": models.Coord{Lat: 2, Lon: 2},
	})
	var created struct {
		Ride models.Ride `json:"ride"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	rec = doJSON(t, srv, http.MethodPatch, "/api/v1/rides/"+created.Ride.ID+"/fare", driverToken, map[string]any{"fare": 20})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("driver fare update status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPatch, "/api/v1/rides/"+created.Ride.ID+"/fare", adminToken, map[string]any{"fare": 20})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin fare update status = %d, body %s", rec.Code, rec.Body)
	}
	var ride models.Ride
	if err := json.Unmarshal(rec.Body.Bytes(), &ride); err != nil {
		t.Fatalf("decode ride: %v", err)
	}
	if ride.Fare != 20 {
		t.Fatalf("fare = %v", ride.Fare)
	}
}

func TestRoutePreviewUnavailableWithoutRouter(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/routes/preview?from_lat=1&from_lon=1&to_lat=2&to_lon=2", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
