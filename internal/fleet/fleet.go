// Package fleet owns the live driver, slot and rider state: the session
// registry, the two-slot booking manager and the location relay. All
// mutation of that state goes through this package.
//
// Locking: each driver entry has its own mutex, which serializes every slot
// and position change for that driver. Fleet.mu guards map membership and the
// reverse indices. When both are needed the entry mutex is taken first.
package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-relay/internal/ingest"
	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/storage"
)

// Notifier delivers one event to one live connection. Delivery is
// fire-and-forget; an unknown connection is a no-op.
type Notifier interface {
	Send(connID, event string, data any)
}

// Tracker fans position deltas out to the subscribers of a booking code.
type Tracker interface {
	Notify(code, event string, data any)
}

// DurableWriter queues best-effort store writes.
type DurableWriter interface {
	Upsert(driverID, op string, fields storage.Fields)
}

type Deps struct {
	Store        storage.DriverStore
	Writer       DurableWriter
	Notifier     Notifier
	Tracker      Tracker
	Events       ingest.Sink
	Logger       *slog.Logger
	CodeLength   int
	StoreTimeout time.Duration
}

type entry struct {
	mu sync.Mutex
	d  models.Driver
}

// slotRef points at a slot; index is 0-based.
type slotRef struct {
	driverID string
	index    int
}

type Fleet struct {
	mu         sync.RWMutex
	drivers    map[string]*entry
	conns      map[string]string              // connection id -> driver id
	riders     map[string]*models.Rider       // rider id -> last report
	riderConns map[string]map[string]struct{} // connection id -> rider ids
	byRider    map[string]slotRef
	byCode     map[string]slotRef

	store        storage.DriverStore
	writer       DurableWriter
	notifier     Notifier
	tracker      Tracker
	events       ingest.Sink
	logger       *slog.Logger
	storeTimeout time.Duration
	newCode      func() (string, error)
	now          func() time.Time
}

func New(deps Deps) *Fleet {
	if deps.CodeLength < minCodeLength {
		deps.CodeLength = minCodeLength
	}
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = 2 * time.Second
	}
	if deps.Events == nil {
		deps.Events = ingest.Nop{}
	}
	if deps.Store == nil {
		deps.Store = storage.NewMemoryStore()
	}
	f := &Fleet{
		drivers:      make(map[string]*entry),
		conns:        make(map[string]string),
		riders:       make(map[string]*models.Rider),
		riderConns:   make(map[string]map[string]struct{}),
		byRider:      make(map[string]slotRef),
		byCode:       make(map[string]slotRef),
		store:        deps.Store,
		writer:       deps.Writer,
		notifier:     deps.Notifier,
		tracker:      deps.Tracker,
		events:       deps.Events,
		logger:       logging.Component(deps.Logger, "fleet"),
		storeTimeout: deps.StoreTimeout,
		now:          time.Now,
	}
	n := deps.CodeLength
	f.newCode = func() (string, error) { return randomCode(n) }
	return f
}

func (f *Fleet) entry(driverID string) *entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.drivers[driverID]
}

// Known reports whether the driver is held in memory.
func (f *Fleet) Known(driverID string) bool {
	return f.entry(driverID) != nil
}

func (f *Fleet) write(driverID, op string, fields storage.Fields) {
	if f.writer != nil {
		f.writer.Upsert(driverID, op, fields)
	}
}

func (f *Fleet) send(connID, event string, data any) {
	if connID != "" && f.notifier != nil {
		f.notifier.Send(connID, event, data)
	}
}

func (f *Fleet) track(code, event string, data any) {
	if code != "" && f.tracker != nil {
		f.tracker.Notify(code, event, data)
	}
}

func (f *Fleet) publish(e ingest.Event) {
	e.At = f.now()
	_ = f.events.Publish(context.Background(), e)
}

func (f *Fleet) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), f.storeTimeout)
}

// FindByCode is the in-memory lookup of an active booking code.
func (f *Fleet) FindByCode(code string) (models.TrackResult, bool) {
	f.mu.RLock()
	ref, ok := f.byCode[code]
	e := f.drivers[ref.driverID]
	f.mu.RUnlock()
	if !ok || e == nil {
		return models.TrackResult{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.d.Slots[ref.index]
	if s.BookingCode != code {
		return models.TrackResult{}, false
	}
	res := models.TrackResult{
		DriverID:    e.d.ID,
		RiderID:     s.RiderID,
		BookingCode: code,
		Source:      models.SourceMemory,
	}
	if e.d.Pos != nil {
		res.DriverLat, res.DriverLng = models.Float(e.d.Pos.Lat), models.Float(e.d.Pos.Lng)
	}
	if s.RiderPos != nil {
		res.RiderLat, res.RiderLng = models.Float(s.RiderPos.Lat), models.Float(s.RiderPos.Lng)
	}
	return res, true
}

// Slots returns a copy of the driver's slots.
func (f *Fleet) Slots(driverID string) ([models.SlotCount]models.Slot, bool) {
	e := f.entry(driverID)
	if e == nil {
		return [models.SlotCount]models.Slot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copySlots(e.d.Slots), true
}

// Snapshot builds the sanitized view of every known driver. It reads memory
// only and never touches the store.
func (f *Fleet) Snapshot() map[string]models.DriverView {
	f.mu.RLock()
	entries := make([]*entry, 0, len(f.drivers))
	for _, e := range f.drivers {
		entries = append(entries, e)
	}
	f.mu.RUnlock()

	out := make(map[string]models.DriverView, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		id, v := e.d.ID, view(e.d)
		e.mu.Unlock()
		out[id] = v
	}
	return out
}

func view(d models.Driver) models.DriverView {
	v := models.DriverView{Online: d.Online, BookedBy: []string{}}
	if d.Pos != nil {
		v.Lat, v.Lng = models.Float(d.Pos.Lat), models.Float(d.Pos.Lng)
		v.Speed, v.Accuracy = d.Pos.Speed, d.Pos.Accuracy
	}
	for _, s := range d.Slots {
		if s.Booked() {
			v.BookedBy = append(v.BookedBy, s.RiderID)
		}
	}
	return v
}

// ViewOf sanitizes a durable record the same way as a live driver.
func ViewOf(r models.DriverRecord) models.DriverView {
	return view(models.Driver{ID: r.ID, Online: r.Online, Pos: r.Position(), Slots: r.Slots})
}

func copySlots(in [models.SlotCount]models.Slot) [models.SlotCount]models.Slot {
	out := in
	for i := range out {
		if p := out[i].RiderPos; p != nil {
			cp := *p
			out[i].RiderPos = &cp
		}
	}
	return out
}
