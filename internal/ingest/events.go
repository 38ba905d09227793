package ingest

import (
	"context"
	"time"

	"github.com/example/ride-relay/internal/models"
)

const (
	EventBookingAssigned = "booking.assigned"
	EventBookingReleased = "booking.released"
	EventDriverLocation  = "driver.location"
	EventDriverOnline    = "driver.online"
	EventDriverOffline   = "driver.offline"
)

// Event is the domain event published for downstream consumers such as the
// geo mirror. Booking codes are included; consumers must treat them as secrets.
type Event struct {
	Type        string           `json:"type"`
	DriverID    string           `json:"driverId"`
	RiderID     string           `json:"riderId,omitempty"`
	BookingCode string           `json:"bookingCode,omitempty"`
	Slot        int              `json:"slot,omitempty"`
	Position    *models.Position `json:"position,omitempty"`
	Trip        *models.Trip     `json:"trip,omitempty"`
	At          time.Time        `json:"at"`
}

type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
