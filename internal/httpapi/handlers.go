package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// authenticate resolves the bearer token to an identity; role restricts who
// may proceed (empty role means any authenticated user).
func (s *Server) authenticate(r *http.Request, role accounts.Role) (accounts.User, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return accounts.User{}, fmt.Errorf("missing bearer token: %w", models.ErrForbidden)
	}
	user, err := s.accounts.Authenticate(r.Context(), token)
	if err != nil {
		return accounts.User{}, fmt.Errorf("authentication: %w", models.ErrForbidden)
	}
	if role != "" && user.Role != role {
		return accounts.User{}, fmt.Errorf("requires %s role: %w", role, models.ErrForbidden)
	}
	return user, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type createRideRequest struct {
	DriverID       string          `json:"driver_id"`
	VehicleID      string          `json:"vehicle_id"`
	RouteID        string          `json:"route_id,omitempty"`
	Pickup         *models.Coord   `json:"pickup,omitempty"`
	Dropoff        *models.Coord   `json:"dropoff,omitempty"`
	PickupAddress  string          `json:"pickup_address,omitempty"`
	DropoffAddress string          `json:"dropoff_address,omitempty"`
	Kind           models.RideKind `json:"kind"`
	Fare           float64         `json:"fare"`
	Seats          int             `json:"seats,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	customer, err := s.authenticate(r, accounts.RoleCustomer)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode body: %s: %w", err, models.ErrValidation))
		return
	}

	pickup, err := s.resolveCoord(r, req.Pickup, req.PickupAddress, "pickup")
	if err != nil {
		writeError(w, err)
		return
	}
	dropoff, err := s.resolveCoord(r, req.Dropoff, req.DropoffAddress, "dropoff")
	if err != nil {
		writeError(w, err)
		return
	}

	ride, booking, err := s.rides.CreateRide(r.Context(), lifecycle.CreateRideInput{
		CustomerID: customer.ID,
		DriverID:   req.DriverID,
		VehicleID:  req.VehicleID,
		RouteID:    req.RouteID,
		Pickup:     pickup,
		Dropoff:    dropoff,
		Kind:       req.Kind,
		Fare:       req.Fare,
		Seats:      req.Seats,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	observability.RidesCreatedTotal.Inc()

	// Push the request to the assigned driver's live sessions. Best-effort:
	// the ride is created either way.
	s.channel.NotifyDriver(r.Context(), ride, customer)

	writeJSON(w, http.StatusCreated, map[string]any{"ride": ride, "booking": booking})
}

// resolveCoord prefers explicit coordinates and falls back to geocoding the
// address when a geocoder is configured.
func (s *Server) resolveCoord(r *http.Request, c *models.Coord, address, field string) (models.Coord, error) {
	if c != nil {
		return *c, nil
	}
	if address == "" {
		return models.Coord{}, fmt.Errorf("%s coordinates or address required: %w", field, models.ErrValidation)
	}
	if s.geocoder == nil {
		return models.Coord{}, fmt.Errorf("%s address given but no geocoder configured: %w", field, models.ErrValidation)
	}
	coord, err := s.geocoder.Geocode(r.Context(), address)
	if err != nil {
		return models.Coord{}, fmt.Errorf("geocode %s %q: %w", field, address, models.ErrValidation)
	}
	return coord, nil
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	driverID := r.URL.Query().Get("driver_id")
	if driverID == "" {
		writeError(w, fmt.Errorf("driver_id query parameter required: %w", models.ErrValidation))
		return
	}
	rides, err := s.rides.RidesByDriver(r.Context(), driverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rides, "total": len(rides)})
}

func (s *Server) handleNearestDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("latitude"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("longitude"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, fmt.Errorf("latitude and longitude required: %w", models.ErrValidation))
		return
	}
	maxKm := s.cfg.MaxDistanceKm
	if v := q.Get("maxDistanceKm"); v != "" {
		if maxKm, err1 = strconv.ParseFloat(v, 64); err1 != nil {
			writeError(w, fmt.Errorf("invalid maxDistanceKm: %w", models.ErrValidation))
			return
		}
	}
	limit := s.cfg.NearestLimit
	if v := q.Get("limit"); v != "" {
		if limit, err1 = strconv.Atoi(v); err1 != nil {
			writeError(w, fmt.Errorf("invalid limit: %w", models.ErrValidation))
			return
		}
	}

	observability.NearestQueriesTotal.Inc()
	cands := s.dir.FindNearest(lat, lon, maxKm, limit)
	writeJSON(w, http.StatusOK, map[string]any{"data": cands, "total": len(cands)})
}

type createBookingRequest struct {
	RideID string             `json:"ride_id"`
	Seats  int                `json:"seats,omitempty"`
	Kind   models.BookingKind `json:"kind,omitempty"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r, accounts.RoleCustomer)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode body: %s: %w", err, models.ErrValidation))
		return
	}
	booking, err := s.rides.CreateBooking(r.Context(), lifecycle.CreateBookingInput{
		UserID: user.ID,
		RideID: req.RideID,
		Seats:  req.Seats,
		Kind:   req.Kind,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

type updateFareRequest struct {
	Fare float64 `json:"fare"`
}

func (s *Server) handleUpdateFare(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r, accounts.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var req updateFareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode body: %s: %w", err, models.ErrValidation))
		return
	}
	ride, err := s.rides.UpdateFare(r.Context(), mux.Vars(r)["id"], req.Fare)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// rideActionByDriver authorizes the assigned driver (or an admin) for a
// ride-progress action and runs it.
func (s *Server) rideActionByDriver(w http.ResponseWriter, r *http.Request, action func(rideID string) (*models.Ride, error)) {
	user, err := s.authenticate(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	rideID := mux.Vars(r)["id"]
	if user.Role != accounts.RoleAdmin {
		ride, err := s.rides.GetRide(r.Context(), rideID)
		if err != nil {
			writeError(w, err)
			return
		}
		if user.Role != accounts.RoleDriver || ride.DriverID != user.ID {
			writeError(w, fmt.Errorf("ride %s is not assigned to you: %w", rideID, models.ErrForbidden))
			return
		}
	}
	ride, err := action(rideID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.channel.BroadcastStatus(ride)
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	s.rideActionByDriver(w, r, func(id string) (*models.Ride, error) {
		return s.rides.Start(r.Context(), id)
	})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	s.rideActionByDriver(w, r, func(id string) (*models.Ride, error) {
		return s.rides.Complete(r.Context(), id)
	})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	s.rideActionByDriver(w, r, func(id string) (*models.Ride, error) {
		return s.rides.Cancel(r.Context(), id)
	})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var report models.LocationReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, fmt.Errorf("decode body: %s: %w", err, models.ErrValidation))
		return
	}
	if report.DriverID == "" {
		writeError(w, fmt.Errorf("driver_id required: %w", models.ErrValidation))
		return
	}

	if s.kafka != nil {
		if err := s.kafka.PublishLocation(report); err != nil {
			s.logger.Warn("location publish failed", "driver_id", report.DriverID, "error", err)
		}
	}

	prev, known := s.dir.Get(report.DriverID)
	lat, lon := report.Lat, report.Lon
	s.dir.Upsert(models.DriverPresence{
		DriverID:  report.DriverID,
		Online:    true, // reporting a location implies online
		Lat:       &lat,
		Lon:       &lon,
		VehicleID: report.VehicleID,
	})
	if !known || !prev.Online {
		observability.DriversOnline.Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

type driverOfflineRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	var req driverOfflineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, fmt.Errorf("driver_id required: %w", models.ErrValidation))
		return
	}
	if prev, known := s.dir.Get(req.DriverID); known && prev.Online {
		observability.DriversOnline.Dec()
	}
	s.dir.MarkOffline(req.DriverID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoutePreview(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no routing backend configured"})
		return
	}
	q := r.URL.Query()
	parse := func(key string) (float64, error) { return strconv.ParseFloat(q.Get(key), 64) }
	fromLat, e1 := parse("from_lat")
	fromLon, e2 := parse("from_lon")
	toLat, e3 := parse("to_lat")
	toLon, e4 := parse("to_lon")
	if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
		writeError(w, fmt.Errorf("from_lat, from_lon, to_lat, to_lon required: %w", models.ErrValidation))
		return
	}
	leg, err := s.router.Route(r.Context(), models.Coord{Lat: fromLat, Lon: fromLon}, models.Coord{Lat: toLat, Lon: toLon})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, leg)
}
