package fleet

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-relay/internal/ingest"
	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/observability"
	"github.com/example/ride-relay/internal/storage"
)

// RegisterDriver binds connID to driverID and marks the driver online. A
// driver not held in memory is loaded from the store first; a failed read
// degrades to an online driver with empty slots. Every booked slot is then
// replayed to the new connection as bookingConfirmed, in slot order.
func (f *Fleet) RegisterDriver(driverID, connID string) error {
	if driverID == "" || connID == "" {
		return fmt.Errorf("%w: driverId required", models.ErrInvalidPayload)
	}

	if prev, ok := f.DriverOf(connID); ok && prev != driverID {
		f.logger.Warn("connection re-registered as another driver", slog.String("conn", connID), slog.String("from", prev), slog.String("to", driverID))
		f.UnregisterDriver(connID)
	}

	// The store is read before any entry exists, so nothing that walks the
	// fleet waits on it.
	var rec *models.DriverRecord
	if !f.Known(driverID) {
		rec = f.load(driverID)
	}

	f.mu.Lock()
	e, loaded := f.drivers[driverID]
	if !loaded {
		e = &entry{d: models.Driver{ID: driverID}}
		// Not yet visible to anyone else, so this cannot contend.
		e.mu.Lock()
		f.drivers[driverID] = e
	}
	f.conns[connID] = driverID
	f.mu.Unlock()

	if loaded {
		e.mu.Lock()
	} else if rec != nil {
		f.hydrate(e, *rec)
	}
	wasOnline := e.d.Online
	oldConn := e.d.ConnID
	e.d.Online = true
	e.d.ConnID = connID
	e.d.Updated = f.now()
	replay := make([]models.BookingConfirmed, 0, models.SlotCount)
	for _, s := range e.d.Slots {
		if s.Booked() {
			replay = append(replay, confirmation(s, nil))
		}
	}
	f.write(driverID, "online", storage.Fields{storage.ColOnline: true})
	e.mu.Unlock()

	if oldConn != "" && oldConn != connID {
		f.mu.Lock()
		if f.conns[oldConn] == driverID {
			delete(f.conns, oldConn)
		}
		f.mu.Unlock()
	}
	if !wasOnline {
		observability.DriversOnline.Inc()
	}

	f.publish(ingest.Event{Type: ingest.EventDriverOnline, DriverID: driverID})
	for _, c := range replay {
		f.send(connID, models.EventBookingConfirmed, c)
	}
	f.logger.Info("driver registered", slog.String("driver", driverID), slog.String("conn", connID), slog.Int("replayed", len(replay)))
	return nil
}

// load reads the durable record of driverID. A missing record or a failed
// read yields nil.
func (f *Fleet) load(driverID string) *models.DriverRecord {
	ctx, cancel := f.storeCtx()
	defer cancel()
	rec, err := f.store.GetDriver(ctx, driverID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			f.logger.Warn("driver load failed, starting empty", slog.String("driver", driverID), slog.Any("err", err))
		}
		return nil
	}
	return &rec
}

// hydrate fills a fresh entry from its stored record. Caller holds e.mu.
func (f *Fleet) hydrate(e *entry, rec models.DriverRecord) {
	e.d.Pos = rec.Position()

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range rec.Slots {
		if !s.Booked() {
			continue
		}
		if s.BookingCode == "" {
			f.logger.Warn("stored slot without code ignored", slog.String("driver", e.d.ID), slog.Int("slot", i+1))
			continue
		}
		if ref, taken := f.byCode[s.BookingCode]; taken {
			f.logger.Warn("stored booking code already active elsewhere", slog.String("driver", e.d.ID), slog.String("holder", ref.driverID))
			continue
		}
		if ref, taken := f.byRider[s.RiderID]; taken {
			f.logger.Warn("stored rider already booked elsewhere", slog.String("driver", e.d.ID), slog.String("rider", s.RiderID), slog.String("holder", ref.driverID))
			continue
		}
		ref := slotRef{driverID: e.d.ID, index: i}
		f.byCode[s.BookingCode] = ref
		f.byRider[s.RiderID] = ref
		e.d.Slots[i] = s
	}
}

// UnregisterDriver marks the driver bound to connID offline. Slots and
// position are kept. It reports whether connID belonged to a driver.
func (f *Fleet) UnregisterDriver(connID string) (string, bool) {
	f.mu.Lock()
	driverID, ok := f.conns[connID]
	delete(f.conns, connID)
	e := f.drivers[driverID]
	f.mu.Unlock()
	if !ok || e == nil {
		return "", false
	}

	e.mu.Lock()
	current := e.d.ConnID == connID
	wasOnline := e.d.Online
	if current {
		e.d.ConnID = ""
		e.d.Online = false
		e.d.Updated = f.now()
		f.write(driverID, "offline", storage.Fields{storage.ColOnline: false})
	}
	e.mu.Unlock()
	if !current {
		// Superseded by a newer connection for the same driver.
		return driverID, true
	}

	if wasOnline {
		observability.DriversOnline.Dec()
	}
	f.publish(ingest.Event{Type: ingest.EventDriverOffline, DriverID: driverID})
	f.logger.Info("driver offline", slog.String("driver", driverID), slog.String("conn", connID))
	return driverID, true
}

// Disconnect drops every binding held by connID: the driver registration and
// any rider records reported over it. Rider bookings survive.
func (f *Fleet) Disconnect(connID string) {
	f.UnregisterDriver(connID)

	f.mu.Lock()
	defer f.mu.Unlock()
	for riderID := range f.riderConns[connID] {
		if r, ok := f.riders[riderID]; ok && r.ConnID == connID {
			delete(f.riders, riderID)
		}
	}
	delete(f.riderConns, connID)
}

// ConnectionOf returns the live connection bound to driverID.
func (f *Fleet) ConnectionOf(driverID string) (string, bool) {
	e := f.entry(driverID)
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.d.ConnID, e.d.ConnID != ""
}

// DriverOf returns the driver registered on connID.
func (f *Fleet) DriverOf(connID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	id, ok := f.conns[connID]
	return id, ok
}

// SetOnline flips the durable online flag for driverID, and the in-memory
// one when the driver is loaded. It does not touch the connection binding.
func (f *Fleet) SetOnline(driverID string, online bool) error {
	if driverID == "" {
		return fmt.Errorf("%w: driverId required", models.ErrInvalidPayload)
	}
	fields := storage.Fields{storage.ColOnline: online}
	if e := f.entry(driverID); e != nil {
		e.mu.Lock()
		was := e.d.Online
		e.d.Online = online
		e.d.Updated = f.now()
		f.write(driverID, "online", fields)
		e.mu.Unlock()
		switch {
		case online && !was:
			observability.DriversOnline.Inc()
		case !online && was:
			observability.DriversOnline.Dec()
		}
	} else {
		f.write(driverID, "online", fields)
	}
	typ := ingest.EventDriverOffline
	if online {
		typ = ingest.EventDriverOnline
	}
	f.publish(ingest.Event{Type: typ, DriverID: driverID})
	return nil
}

// RiderPosition returns the last position reported for riderID.
func (f *Fleet) RiderPosition(riderID string) (models.Position, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.riders[riderID]
	if !ok {
		return models.Position{}, false
	}
	return r.Pos, true
}

func confirmation(s models.Slot, trip *models.Trip) models.BookingConfirmed {
	c := models.BookingConfirmed{RiderID: s.RiderID, BookingCode: s.BookingCode}
	if s.RiderPos != nil {
		c.Lat, c.Lng = models.Float(s.RiderPos.Lat), models.Float(s.RiderPos.Lng)
	}
	if trip != nil {
		c.Pickup, c.Destination = trip.Pickup, trip.Destination
	}
	return c
}
