package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/example/ride-relay/internal/models"
)

// Inbound websocket events.
const (
	evRegisterDriver    = "registerDriver"
	evDriverLocation    = "driverLocation"
	evRiderLocation     = "riderLocation"
	evRiderLiveLocation = "riderLiveLocation"
	evBookDriver        = "bookDriver"
	evTrackBooking      = "trackBooking"
	evTrackLive         = "trackLive"
)

// handleMessage routes one inbound frame. Clients send data either as a bare
// string or as an object, so fields are read with gjson instead of decoding
// into a fixed struct.
func (s *Server) handleMessage(connID string, raw []byte) {
	if !gjson.ValidBytes(raw) {
		s.logger.Warn("dropping malformed frame", slog.String("conn", connID))
		return
	}
	frame := gjson.ParseBytes(raw)
	event := frame.Get("event").String()
	data := frame.Get("data")

	var err error
	switch event {
	case evRegisterDriver:
		err = s.Fleet.RegisterDriver(stringOr(data, "driverId"), connID)
	case evDriverLocation:
		var pos models.Position
		if pos, err = parsePosition(data); err == nil {
			err = s.Fleet.ReportDriverPosition(connID, pos)
		}
	case evRiderLocation, evRiderLiveLocation:
		var pos models.Position
		if pos, err = parsePosition(data); err == nil {
			err = s.Fleet.ReportRiderPosition(connID, data.Get("riderId").String(), pos)
		}
	case evBookDriver:
		s.onBookDriver(connID, data)
	case evTrackBooking:
		s.onTrackBooking(connID, stringOr(data, "bookingCode"))
	case evTrackLive:
		if code := stringOr(data, "bookingCode"); code != "" {
			s.Tracking.Subscribe(connID, code)
		} else {
			err = fmt.Errorf("%w: bookingCode required", models.ErrInvalidPayload)
		}
	default:
		s.logger.Debug("unknown event", slog.String("conn", connID), slog.String("event", event))
	}
	if err != nil {
		s.logger.Warn("event dropped", slog.String("conn", connID), slog.String("event", event), slog.Any("err", err))
	}
}

func (s *Server) handleClose(connID string) {
	s.Fleet.Disconnect(connID)
	s.Tracking.Unsubscribe(connID)
}

func (s *Server) onBookDriver(connID string, data gjson.Result) {
	driverID := stringOr(data, "driverId")
	riderID := data.Get("riderId").String()
	if riderID == "" {
		riderID = connID
	}
	var trip *models.Trip
	if data.IsObject() {
		pickup, dest := optionalPosition(data.Get("pickup")), optionalPosition(data.Get("destination"))
		if pickup != nil || dest != nil {
			trip = &models.Trip{Pickup: pickup, Destination: dest}
		}
	}

	b, err := s.Fleet.Book(driverID, riderID, trip)
	if err != nil {
		if errors.Is(err, models.ErrInvalidPayload) {
			s.logger.Warn("bookDriver dropped", slog.String("conn", connID), slog.Any("err", err))
			return
		}
		reason := err.Error()
		if !models.IsDomain(err) {
			s.logger.Error("booking failed", slog.String("driver", driverID), slog.Any("err", err))
			reason = "booking could not be completed"
		}
		s.WSReg.Send(connID, models.EventBookingFailed, models.BookingFailed{DriverID: driverID, Reason: reason})
		return
	}
	s.WSReg.Send(connID, models.EventBookingSuccess, models.BookingSuccess{
		DriverID:    b.DriverID,
		BookingCode: b.BookingCode,
		Slot:        b.Slot,
	})
}

const reasonCodeMissing = "booking code missing"

func (s *Server) onTrackBooking(connID, code string) {
	if code == "" {
		s.WSReg.Send(connID, models.EventTrackFailed, models.TrackFailed{Reason: reasonCodeMissing})
		return
	}
	res, err := s.Tracking.Query(context.Background(), code)
	if err != nil {
		s.WSReg.Send(connID, models.EventTrackFailed, models.TrackFailed{BookingCode: code, Reason: err.Error()})
		return
	}
	s.WSReg.Send(connID, models.EventTrackResult, res)
}

// stringOr reads data as a bare string, or the named field of an object.
func stringOr(data gjson.Result, field string) string {
	if data.Type == gjson.String {
		return data.String()
	}
	return data.Get(field).String()
}

func parsePosition(data gjson.Result) (models.Position, error) {
	lat, lng := data.Get("lat"), data.Get("lng")
	if lat.Type != gjson.Number || lng.Type != gjson.Number {
		return models.Position{}, fmt.Errorf("%w: lat and lng must be numbers", models.ErrInvalidPayload)
	}
	p := models.Position{Lat: lat.Float(), Lng: lng.Float()}
	if v := data.Get("speed"); v.Type == gjson.Number {
		p.Speed = models.Float(v.Float())
	}
	if v := data.Get("accuracy"); v.Type == gjson.Number {
		p.Accuracy = models.Float(v.Float())
	}
	return p, nil
}

func optionalPosition(data gjson.Result) *models.Position {
	if !data.IsObject() {
		return nil
	}
	p, err := parsePosition(data)
	if err != nil {
		return nil
	}
	return &p
}
