package models

import "time"

// SlotCount is the booking capacity of a single driver.
const SlotCount = 2

type Position struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Speed    *float64 `json:"speed,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// Slot is either empty (RiderID == "") or booked (every field set).
type Slot struct {
	RiderID     string    `json:"riderId,omitempty"`
	BookingCode string    `json:"bookingCode,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	RiderPos    *Position `json:"riderPosition,omitempty"`
}

func (s Slot) Booked() bool { return s.RiderID != "" }

type Driver struct {
	ID      string
	Online  bool
	Pos     *Position
	ConnID  string // empty while disconnected
	Slots   [SlotCount]Slot
	Updated time.Time
}

// Rider is keyed by a connection-scoped id.
type Rider struct {
	ID     string
	ConnID string
	Pos    Position
	TS     time.Time
}

// Booking is one assigned slot. Slot is 1-based.
type Booking struct {
	DriverID    string    `json:"driverId"`
	Slot        int       `json:"slot"`
	RiderID     string    `json:"riderId"`
	BookingCode string    `json:"bookingCode"`
	CreatedAt   time.Time `json:"createdAt"`
	RiderPos    *Position `json:"riderPosition,omitempty"`
}

// Trip is optional rider-supplied context for a booking request.
type Trip struct {
	Pickup      *Position `json:"pickup,omitempty"`
	Destination *Position `json:"destination,omitempty"`
}

const (
	SourceMemory = "memory"
	SourceStore  = "database"
)

type TrackResult struct {
	DriverID    string   `json:"driverId"`
	DriverLat   *float64 `json:"driverLat"`
	DriverLng   *float64 `json:"driverLng"`
	RiderID     string   `json:"riderId"`
	RiderLat    *float64 `json:"riderLat"`
	RiderLng    *float64 `json:"riderLng"`
	BookingCode string   `json:"bookingCode"`
	Source      string   `json:"source"`
}

// DriverView is the sanitized per-driver broadcast entry. It never carries
// booking codes or account fields.
type DriverView struct {
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	Online   bool     `json:"online"`
	BookedBy []string `json:"bookedBy"`
	Speed    *float64 `json:"speed"`
	Accuracy *float64 `json:"accuracy"`
}

// DriverRecord is the durable shape of a driver row.
type DriverRecord struct {
	ID       string
	Online   bool
	Lat      *float64
	Lng      *float64
	Speed    *float64
	Accuracy *float64
	Slots    [SlotCount]Slot
}

// Position returns the stored driver position, or nil if none was recorded.
func (r DriverRecord) Position() *Position {
	if r.Lat == nil || r.Lng == nil {
		return nil
	}
	return &Position{Lat: *r.Lat, Lng: *r.Lng, Speed: r.Speed, Accuracy: r.Accuracy}
}

// SlotByCode returns the 0-based slot index holding code.
func (r DriverRecord) SlotByCode(code string) (int, bool) {
	for i, s := range r.Slots {
		if s.Booked() && s.BookingCode == code {
			return i, true
		}
	}
	return 0, false
}

func Float(v float64) *float64 { return &v }
