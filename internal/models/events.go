package models

// Real-time protocol events. Every frame on the wire is an Event envelope;
// Data carries one of the payloads below depending on Type.
const (
	EventIncomingRideRequest = "incoming-ride-request"
	EventDriverRideResponse  = "driver-ride-response"
	EventRideStatusUpdate    = "ride-status-update"
	EventError               = "error"
)

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// IncomingRideRequest is pushed to every live session of the assigned driver
// right after ride creation.
type IncomingRideRequest struct {
	RideID       string   `json:"ride_id"`
	CustomerID   string   `json:"customer_id"`
	CustomerName string   `json:"customer_name"`
	Pickup       Coord    `json:"pickup"`
	Dropoff      Coord    `json:"dropoff"`
	Fare         float64  `json:"fare"`
	Kind         RideKind `json:"kind"`
}

// DriverRideResponse is the driver's accept/decline answer.
type DriverRideResponse struct {
	RideID   string `json:"ride_id"`
	Accepted bool   `json:"accepted"`
}

// RideStatusUpdate notifies the booking's customer of the decision outcome.
type RideStatusUpdate struct {
	RideID     string     `json:"ride_id"`
	NewStatus  RideStatus `json:"new_status"`
	DriverName string     `json:"driver_name,omitempty"`
}

// ErrorEvent is sent back on the connection that caused a protocol failure.
type ErrorEvent struct {
	Message string `json:"message"`
}
