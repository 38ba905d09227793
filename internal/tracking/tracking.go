// Package tracking keeps live interest registrations binding a connection to
// a booking code and answers booking-code lookups.
//
// Subscriptions are held in two maps, one keyed by code and one by
// subscriber, so fan-out touches only the subscribers of the code and
// unsubscribe never scans.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/observability"
	"github.com/example/ride-relay/internal/storage"
)

// Locator resolves active booking codes from live memory.
type Locator interface {
	FindByCode(code string) (models.TrackResult, bool)
	Known(driverID string) bool
}

type Notifier interface {
	Send(connID, event string, data any)
}

type Manager struct {
	mu           sync.RWMutex
	byCode       map[string]map[string]struct{}
	bySubscriber map[string]string

	locator  Locator
	store    storage.DriverStore
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
}

func NewManager(store storage.DriverStore, notifier Notifier, timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Manager{
		byCode:       make(map[string]map[string]struct{}),
		bySubscriber: make(map[string]string),
		store:        store,
		notifier:     notifier,
		timeout:      timeout,
		logger:       logging.Component(logger, "tracking"),
	}
}

// SetLocator wires the live lookup. The fleet and the manager reference each
// other, so one side is attached after construction.
func (m *Manager) SetLocator(l Locator) { m.locator = l }

// Subscribe records or replaces the code watched by subscriberID. The code
// need not be active yet.
func (m *Manager) Subscribe(subscriberID, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.bySubscriber[subscriberID]; ok {
		if prev == code {
			return
		}
		m.removeLocked(subscriberID, prev)
	}
	subs := m.byCode[code]
	if subs == nil {
		subs = make(map[string]struct{})
		m.byCode[code] = subs
	}
	subs[subscriberID] = struct{}{}
	m.bySubscriber[subscriberID] = code
	observability.Subscriptions.Inc()
}

// Unsubscribe drops whatever subscriberID is watching.
func (m *Manager) Unsubscribe(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code, ok := m.bySubscriber[subscriberID]; ok {
		m.removeLocked(subscriberID, code)
	}
}

func (m *Manager) removeLocked(subscriberID, code string) {
	delete(m.bySubscriber, subscriberID)
	if subs := m.byCode[code]; subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(m.byCode, code)
		}
	}
	observability.Subscriptions.Dec()
}

// Subscribers returns the connections watching code.
func (m *Manager) Subscribers(code string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byCode[code]))
	for id := range m.byCode[code] {
		out = append(out, id)
	}
	return out
}

// Notify delivers data to every subscriber of code.
func (m *Manager) Notify(code, event string, data any) {
	subs := m.Subscribers(code)
	for _, id := range subs {
		m.notifier.Send(id, event, data)
	}
	if len(subs) > 0 {
		observability.TrackingDeliveries.WithLabelValues(event).Add(float64(len(subs)))
	}
}

// Query resolves code from memory, then from the store. Store rows for
// drivers held in memory are skipped: memory is authoritative for them, so a
// just-released code is NotFound even before its durable write lands.
func (m *Manager) Query(ctx context.Context, code string) (models.TrackResult, error) {
	if code == "" {
		return models.TrackResult{}, fmt.Errorf("%w: bookingCode required", models.ErrInvalidPayload)
	}
	if m.locator != nil {
		if res, ok := m.locator.FindByCode(code); ok {
			observability.TrackQueries.WithLabelValues(models.SourceMemory).Inc()
			return res, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	for slot := 1; slot <= models.SlotCount; slot++ {
		recs, err := m.store.FindByField(ctx, storage.ColCode(slot), code)
		if err != nil {
			m.logger.Warn("booking lookup failed", slog.Int("slot", slot), slog.Any("err", err))
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			continue
		}
		for _, rec := range recs {
			if m.locator != nil && m.locator.Known(rec.ID) {
				continue
			}
			observability.TrackQueries.WithLabelValues(models.SourceStore).Inc()
			return fromRecord(rec, slot-1, code), nil
		}
	}
	observability.TrackQueries.WithLabelValues("not_found").Inc()
	return models.TrackResult{}, models.ErrBookingNotFound
}

func fromRecord(rec models.DriverRecord, idx int, code string) models.TrackResult {
	s := rec.Slots[idx]
	res := models.TrackResult{
		DriverID:    rec.ID,
		DriverLat:   rec.Lat,
		DriverLng:   rec.Lng,
		RiderID:     s.RiderID,
		BookingCode: code,
		Source:      models.SourceStore,
	}
	if s.RiderPos != nil {
		res.RiderLat, res.RiderLng = models.Float(s.RiderPos.Lat), models.Float(s.RiderPos.Lng)
	}
	return res
}
