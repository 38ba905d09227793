package models

// Outbound websocket event names.
const (
	EventBookingSuccess      = "bookingSuccess"
	EventBookingFailed       = "bookingFailed"
	EventBookingStatus       = "bookingStatus"
	EventBookingConfirmed    = "bookingConfirmed"
	EventRiderPositionUpdate = "riderPositionUpdate"
	EventTrackResult         = "trackResult"
	EventTrackFailed         = "trackFailed"
	EventLiveDriverUpdate    = "liveDriverUpdate"
	EventLiveRiderUpdate     = "liveRiderUpdate"
	EventUpdateDrivers       = "updateDrivers"
)

const (
	StatusReleased = "released"
	StatusCleared  = "cleared"
)

type BookingSuccess struct {
	DriverID    string `json:"driverId"`
	BookingCode string `json:"bookingCode"`
	Slot        int    `json:"slot"`
}

type BookingConfirmed struct {
	RiderID     string    `json:"riderId"`
	Lat         *float64  `json:"lat"`
	Lng         *float64  `json:"lng"`
	BookingCode string    `json:"bookingCode"`
	Pickup      *Position `json:"pickup,omitempty"`
	Destination *Position `json:"destination,omitempty"`
}

type BookingStatus struct {
	BookingCode string `json:"bookingCode"`
	Status      string `json:"status"`
	Slot        int    `json:"slot,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type RiderPositionUpdate struct {
	RiderID        string   `json:"riderId"`
	Lat            float64  `json:"lat"`
	Lng            float64  `json:"lng"`
	DistanceMeters *float64 `json:"distanceMeters,omitempty"`
}

type LiveDriverUpdate struct {
	DriverID string   `json:"driverId"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Speed    *float64 `json:"speed,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

type LiveRiderUpdate struct {
	RiderID string  `json:"riderId"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

type BookingFailed struct {
	DriverID string `json:"driverId,omitempty"`
	Reason   string `json:"reason"`
}

type TrackFailed struct {
	BookingCode string `json:"bookingCode"`
	Reason      string `json:"reason"`
}
