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

// Book assigns riderID to driverID using the rider's last reported position.
func (f *Fleet) Book(driverID, riderID string, trip *models.Trip) (models.Booking, error) {
	var pos *models.Position
	if p, ok := f.RiderPosition(riderID); ok {
		pos = &p
	}
	return f.Assign(driverID, riderID, pos, trip)
}

// Assign books the lowest empty slot of driverID for riderID. The slot
// decision, code allocation and rider reservation happen under the driver's
// lock, so two concurrent requests can never land in the same slot and a
// rider never holds two slots. Durable writes for a driver are queued under
// the same lock, in the order the slots changed.
func (f *Fleet) Assign(driverID, riderID string, riderPos *models.Position, trip *models.Trip) (models.Booking, error) {
	if driverID == "" || riderID == "" {
		return models.Booking{}, fmt.Errorf("%w: driverId and riderId required", models.ErrInvalidPayload)
	}
	e := f.entry(driverID)
	if e == nil {
		observability.BookingsTotal.WithLabelValues("driver_not_found").Inc()
		return models.Booking{}, models.ErrDriverNotFound
	}
	if riderPos == nil {
		observability.BookingsTotal.WithLabelValues("rider_location_unknown").Inc()
		return models.Booking{}, models.ErrRiderLocationUnknown
	}

	e.mu.Lock()
	idx := -1
	for i, s := range e.d.Slots {
		if !s.Booked() {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		observability.BookingsTotal.WithLabelValues("driver_full").Inc()
		return models.Booking{}, models.ErrDriverFull
	}

	code, err := f.reserve(slotRef{driverID: driverID, index: idx}, riderID)
	if err != nil {
		e.mu.Unlock()
		observability.BookingsTotal.WithLabelValues(resultLabel(err)).Inc()
		return models.Booking{}, err
	}
	pos := *riderPos
	slot := models.Slot{RiderID: riderID, BookingCode: code, CreatedAt: f.now(), RiderPos: &pos}
	e.d.Slots[idx] = slot
	e.d.Updated = slot.CreatedAt
	connID := e.d.ConnID
	f.write(driverID, "assign", storage.SlotFields(idx+1, slot))
	e.mu.Unlock()

	b := models.Booking{
		DriverID:    driverID,
		Slot:        idx + 1,
		RiderID:     riderID,
		BookingCode: code,
		CreatedAt:   slot.CreatedAt,
		RiderPos:    &pos,
	}
	observability.BookingsTotal.WithLabelValues("ok").Inc()
	f.send(connID, models.EventBookingConfirmed, confirmation(slot, trip))
	f.publish(ingest.Event{
		Type:        ingest.EventBookingAssigned,
		DriverID:    driverID,
		RiderID:     riderID,
		BookingCode: code,
		Slot:        b.Slot,
		Position:    &pos,
		Trip:        trip,
	})
	f.logger.Info("booking assigned", slog.String("driver", driverID), slog.String("rider", riderID), slog.Int("slot", b.Slot))
	return b, nil
}

// reserve claims riderID and a fresh booking code for ref. Caller holds the
// driver's entry lock.
func (f *Fleet) reserve(ref slotRef, riderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, booked := f.byRider[riderID]; booked {
		return "", models.ErrRiderAlreadyBooked
	}
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := f.newCode()
		if err != nil {
			return "", fmt.Errorf("generate booking code: %w", err)
		}
		if _, taken := f.byCode[code]; taken {
			continue
		}
		f.byCode[code] = ref
		f.byRider[riderID] = ref
		return code, nil
	}
	return "", errors.New("could not allocate a unique booking code")
}

// Release frees the slot holding code. Memory is authoritative for loaded
// drivers; otherwise the store is searched and cleared directly.
func (f *Fleet) Release(code string) (models.Booking, error) {
	if code == "" {
		return models.Booking{}, fmt.Errorf("%w: bookingCode required", models.ErrInvalidPayload)
	}
	b, err := f.releaseMemory(code)
	if err == nil {
		observability.ReleasesTotal.WithLabelValues("ok", models.SourceMemory).Inc()
		return b, nil
	}
	if !errors.Is(err, models.ErrBookingNotFound) {
		return models.Booking{}, err
	}
	b, err = f.releaseStored(code)
	switch {
	case err == nil:
		observability.ReleasesTotal.WithLabelValues("ok", models.SourceStore).Inc()
	case errors.Is(err, models.ErrBookingNotFound):
		observability.ReleasesTotal.WithLabelValues("not_found", "").Inc()
	default:
		observability.ReleasesTotal.WithLabelValues("error", models.SourceStore).Inc()
	}
	return b, err
}

func (f *Fleet) releaseMemory(code string) (models.Booking, error) {
	f.mu.RLock()
	ref, ok := f.byCode[code]
	e := f.drivers[ref.driverID]
	f.mu.RUnlock()
	if !ok || e == nil {
		return models.Booking{}, models.ErrBookingNotFound
	}

	e.mu.Lock()
	s := e.d.Slots[ref.index]
	if s.BookingCode != code {
		e.mu.Unlock()
		return models.Booking{}, models.ErrBookingNotFound
	}
	e.d.Slots[ref.index] = models.Slot{}
	e.d.Updated = f.now()
	connID := e.d.ConnID
	f.unindex(s)
	f.write(ref.driverID, "release", storage.SlotFields(ref.index+1, models.Slot{}))
	e.mu.Unlock()

	b := models.Booking{
		DriverID:    ref.driverID,
		Slot:        ref.index + 1,
		RiderID:     s.RiderID,
		BookingCode: code,
		CreatedAt:   s.CreatedAt,
		RiderPos:    s.RiderPos,
	}
	f.announceRelease(b, connID, models.StatusReleased)
	return b, nil
}

// unindex drops the reverse-index entries of s. Caller holds the entry lock.
func (f *Fleet) unindex(s models.Slot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byCode, s.BookingCode)
	delete(f.byRider, s.RiderID)
}

func (f *Fleet) releaseStored(code string) (models.Booking, error) {
	ctx, cancel := f.storeCtx()
	defer cancel()
	for slot := 1; slot <= models.SlotCount; slot++ {
		recs, err := f.store.FindByField(ctx, storage.ColCode(slot), code)
		if err != nil {
			return models.Booking{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
		}
		for _, rec := range recs {
			if f.Known(rec.ID) {
				// Loaded drivers are authoritative in memory; a stored code
				// there is a write that has not landed yet.
				continue
			}
			s := rec.Slots[slot-1]
			if err := f.store.UpsertDriver(ctx, rec.ID, storage.SlotFields(slot, models.Slot{})); err != nil {
				return models.Booking{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
			}
			b := models.Booking{
				DriverID:    rec.ID,
				Slot:        slot,
				RiderID:     s.RiderID,
				BookingCode: code,
				CreatedAt:   s.CreatedAt,
				RiderPos:    s.RiderPos,
			}
			f.announceRelease(b, "", models.StatusReleased)
			return b, nil
		}
	}
	return models.Booking{}, models.ErrBookingNotFound
}

// ClearDriver empties every slot of driverID. It returns the bookings that
// were removed.
func (f *Fleet) ClearDriver(driverID string) ([]models.Booking, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driverId required", models.ErrInvalidPayload)
	}
	e := f.entry(driverID)
	if e == nil {
		return f.clearStored(driverID)
	}

	e.mu.Lock()
	var cleared []models.Booking
	for i, s := range e.d.Slots {
		if !s.Booked() {
			continue
		}
		f.unindex(s)
		e.d.Slots[i] = models.Slot{}
		f.write(driverID, "clear", storage.SlotFields(i+1, models.Slot{}))
		cleared = append(cleared, models.Booking{
			DriverID: driverID, Slot: i + 1, RiderID: s.RiderID,
			BookingCode: s.BookingCode, CreatedAt: s.CreatedAt, RiderPos: s.RiderPos,
		})
	}
	e.d.Updated = f.now()
	connID := e.d.ConnID
	e.mu.Unlock()

	for _, b := range cleared {
		f.announceRelease(b, connID, models.StatusCleared)
		observability.ReleasesTotal.WithLabelValues("cleared", models.SourceMemory).Inc()
	}
	return cleared, nil
}

func (f *Fleet) clearStored(driverID string) ([]models.Booking, error) {
	ctx, cancel := f.storeCtx()
	defer cancel()
	rec, err := f.store.GetDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, models.ErrDriverNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	fields := storage.Fields{}
	var cleared []models.Booking
	for i, s := range rec.Slots {
		for k, v := range storage.SlotFields(i+1, models.Slot{}) {
			fields[k] = v
		}
		if s.Booked() {
			cleared = append(cleared, models.Booking{
				DriverID: driverID, Slot: i + 1, RiderID: s.RiderID,
				BookingCode: s.BookingCode, CreatedAt: s.CreatedAt, RiderPos: s.RiderPos,
			})
		}
	}
	if err := f.store.UpsertDriver(ctx, driverID, fields); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	for _, b := range cleared {
		f.announceRelease(b, "", models.StatusCleared)
		observability.ReleasesTotal.WithLabelValues("cleared", models.SourceStore).Inc()
	}
	return cleared, nil
}

// announceRelease tells the driver, the rider and any tracking subscribers
// that a booking is gone.
func (f *Fleet) announceRelease(b models.Booking, driverConn, status string) {
	msg := models.BookingStatus{BookingCode: b.BookingCode, Status: status, Slot: b.Slot}
	f.send(driverConn, models.EventBookingStatus, msg)

	f.mu.RLock()
	var riderConn string
	if r, ok := f.riders[b.RiderID]; ok {
		riderConn = r.ConnID
	}
	f.mu.RUnlock()
	if riderConn != driverConn {
		f.send(riderConn, models.EventBookingStatus, msg)
	}
	f.track(b.BookingCode, models.EventBookingStatus, msg)

	f.publish(ingest.Event{
		Type:        ingest.EventBookingReleased,
		DriverID:    b.DriverID,
		RiderID:     b.RiderID,
		BookingCode: b.BookingCode,
		Slot:        b.Slot,
	})
	f.logger.Info("booking released", slog.String("driver", b.DriverID), slog.Int("slot", b.Slot), slog.String("status", status))
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrRiderAlreadyBooked):
		return "rider_already_booked"
	case errors.Is(err, models.ErrDriverFull):
		return "driver_full"
	default:
		return "error"
	}
}
