package models

import (
	"errors"
	"time"
)

// Sentinel errors shared across the core. Callers classify failures with
// errors.Is and wrap details via fmt.Errorf("...: %w", Err...).
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type RideKind string

const (
	RidePrivate RideKind = "private"
	RideCarpool RideKind = "carpool"
)

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideAccepted  RideStatus = "accepted"
	RideRejected  RideStatus = "rejected"
	RideActive    RideStatus = "active"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

// rideTransitions encodes the legal status edges. Terminal states have no
// outgoing edges; anything absent here is rejected.
var rideTransitions = map[RideStatus][]RideStatus{
	RidePending:  {RideAccepted, RideRejected},
	RideAccepted: {RideActive, RideCancelled},
	RideActive:   {RideCompleted, RideCancelled},
}

// CanTransition reports whether a ride may move from one status to another.
func CanTransition(from, to RideStatus) bool {
	for _, next := range rideTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type BookingKind string

const (
	BookingRide     BookingKind = "ride"
	BookingDelivery BookingKind = "delivery"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingRejected  BookingStatus = "rejected"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

type Ride struct {
	ID        string     `json:"id"`
	DriverID  string     `json:"driver_id"`
	VehicleID string     `json:"vehicle_id"`
	RouteID   string     `json:"route_id,omitempty"` // carpool only
	Pickup    Coord      `json:"pickup"`
	Dropoff   Coord      `json:"dropoff"`
	Kind      RideKind   `json:"kind"`
	Status    RideStatus `json:"status"`
	Fare      float64    `json:"fare"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type Booking struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	RideID        string        `json:"ride_id"`
	Kind          BookingKind   `json:"kind"`
	Status        BookingStatus `json:"status"`
	Seats         int           `json:"seats"`
	FareAtBooking float64       `json:"fare_at_booking"` // price-locked at creation
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// DriverPresence is the dispatch-relevant slice of a driver account: the
// online flag and last-reported position. Coordinates stay nil until the
// driver's first location report.
type DriverPresence struct {
	DriverID  string    `json:"driver_id"`
	Online    bool      `json:"online"`
	Lat       *float64  `json:"lat"`
	Lon       *float64  `json:"lon"`
	VehicleID string    `json:"vehicle_id"`
	Updated   time.Time `json:"updated"`
}

// Eligible reports whether the driver may appear in nearest-driver results.
func (p DriverPresence) Eligible() bool {
	return p.Online && p.Lat != nil && p.Lon != nil
}

// Candidate is a directory match: a presence record plus its distance from
// the query origin.
type Candidate struct {
	Driver     DriverPresence `json:"driver"`
	DistanceKm float64        `json:"distance_km"`
}

// LocationReport is what a driver's device posts and what flows through
// Kafka to the presence consumer. Reporting a location implies online.
type LocationReport struct {
	DriverID  string  `json:"driver_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	VehicleID string  `json:"vehicle_id,omitempty"`
}
