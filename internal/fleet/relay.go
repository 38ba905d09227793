package fleet

import (
	"github.com/example/ride-relay/internal/geo"
	"github.com/example/ride-relay/internal/ingest"
	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/observability"
	"github.com/example/ride-relay/internal/storage"
)

// ReportDriverPosition records the position of the driver registered on
// connID and pushes it to the trackers of every booking the driver holds.
func (f *Fleet) ReportDriverPosition(connID string, pos models.Position) error {
	if err := geo.ValidatePosition(pos); err != nil {
		return err
	}
	driverID, ok := f.DriverOf(connID)
	if !ok {
		return models.ErrNotRegistered
	}
	e := f.entry(driverID)
	if e == nil {
		return models.ErrNotRegistered
	}

	e.mu.Lock()
	p := pos
	e.d.Pos = &p
	e.d.Updated = f.now()
	var codes []string
	for _, s := range e.d.Slots {
		if s.Booked() {
			codes = append(codes, s.BookingCode)
		}
	}
	f.write(driverID, "position", storage.PositionFields(pos))
	e.mu.Unlock()

	update := models.LiveDriverUpdate{DriverID: driverID, Lat: pos.Lat, Lng: pos.Lng, Speed: pos.Speed, Accuracy: pos.Accuracy}
	for _, code := range codes {
		f.track(code, models.EventLiveDriverUpdate, update)
	}
	observability.RelaysTotal.WithLabelValues("driver").Inc()
	f.publish(ingest.Event{Type: ingest.EventDriverLocation, DriverID: driverID, Position: &p})
	return nil
}

// ReportRiderPosition records the rider's position. When the rider holds a
// booking the position is relayed to that driver's connection and to the
// booking's trackers; otherwise nothing is relayed.
func (f *Fleet) ReportRiderPosition(connID, riderID string, pos models.Position) error {
	if err := geo.ValidatePosition(pos); err != nil {
		return err
	}
	if riderID == "" {
		riderID = connID
	}

	f.mu.Lock()
	f.riders[riderID] = &models.Rider{ID: riderID, ConnID: connID, Pos: pos, TS: f.now()}
	ids := f.riderConns[connID]
	if ids == nil {
		ids = make(map[string]struct{})
		f.riderConns[connID] = ids
	}
	ids[riderID] = struct{}{}
	ref, booked := f.byRider[riderID]
	e := f.drivers[ref.driverID]
	f.mu.Unlock()
	if !booked || e == nil {
		return nil
	}

	e.mu.Lock()
	s := &e.d.Slots[ref.index]
	if s.RiderID != riderID {
		// Released between the index read and here.
		e.mu.Unlock()
		return nil
	}
	p := pos
	s.RiderPos = &p
	code := s.BookingCode
	driverConn := e.d.ConnID
	var driverPos *models.Position
	if e.d.Pos != nil {
		dp := *e.d.Pos
		driverPos = &dp
	}
	f.write(ref.driverID, "rider_position", storage.RiderPositionFields(ref.index+1, pos))
	e.mu.Unlock()

	update := models.RiderPositionUpdate{RiderID: riderID, Lat: pos.Lat, Lng: pos.Lng}
	if driverPos != nil {
		update.DistanceMeters = models.Float(geo.Distance(*driverPos, pos))
	}
	f.send(driverConn, models.EventRiderPositionUpdate, update)
	f.track(code, models.EventLiveRiderUpdate, models.LiveRiderUpdate{RiderID: riderID, Lat: pos.Lat, Lng: pos.Lng})
	observability.RelaysTotal.WithLabelValues("rider").Inc()
	return nil
}
