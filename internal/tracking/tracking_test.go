package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-relay/internal/fleet"
	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/storage"
)

type delivery struct {
	to, event string
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recordingNotifier) Send(connID, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{connID, event})
}

func (r *recordingNotifier) count(connID, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.got {
		if d.to == connID && d.event == event {
			n++
		}
	}
	return n
}

// pendingWriter never applies writes, modelling a durable write still in flight.
type pendingWriter struct{}

func (pendingWriter) Upsert(string, string, storage.Fields) {}

type env struct {
	fleet    *fleet.Fleet
	tracking *Manager
	store    *storage.MemoryStore
	notifier *recordingNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := storage.NewMemoryStore()
	n := &recordingNotifier{}
	m := NewManager(store, n, time.Second, logging.Discard())
	f := fleet.New(fleet.Deps{Store: store, Writer: pendingWriter{}, Notifier: n, Tracker: m, Logger: logging.Discard()})
	m.SetLocator(f)
	return &env{fleet: f, tracking: m, store: store, notifier: n}
}

func TestSubscribedSessionReceivesDriverUpdates(t *testing.T) {
	e := newEnv(t)
	if err := e.fleet.RegisterDriver("d1", "c1"); err != nil {
		t.Fatal(err)
	}
	b, err := e.fleet.Assign("d1", "r1", &models.Position{Lat: 1, Lng: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}

	e.tracking.Subscribe("S1", b.BookingCode)
	if err := e.fleet.ReportDriverPosition("c1", models.Position{Lat: 2, Lng: 2}); err != nil {
		t.Fatal(err)
	}

	if n := e.notifier.count("S1", models.EventLiveDriverUpdate); n != 1 {
		t.Fatalf("expected exactly one liveDriverUpdate for S1, got %d", n)
	}
	if n := e.notifier.count("S2", models.EventLiveDriverUpdate); n != 0 {
		t.Fatalf("unsubscribed S2 got %d updates", n)
	}
}

func TestSubscribeBeforeBookingExists(t *testing.T) {
	m := NewManager(storage.NewMemoryStore(), &recordingNotifier{}, 0, logging.Discard())
	m.Subscribe("S1", "ABC123")
	if subs := m.Subscribers("ABC123"); len(subs) != 1 || subs[0] != "S1" {
		t.Fatalf("unexpected subscribers %v", subs)
	}
}

func TestSubscribeReplacesPreviousCode(t *testing.T) {
	n := &recordingNotifier{}
	m := NewManager(storage.NewMemoryStore(), n, 0, logging.Discard())
	m.Subscribe("S1", "AAA111")
	m.Subscribe("S1", "BBB222")

	if subs := m.Subscribers("AAA111"); len(subs) != 0 {
		t.Fatalf("old subscription kept: %v", subs)
	}
	m.Notify("AAA111", models.EventLiveDriverUpdate, nil)
	m.Notify("BBB222", models.EventLiveDriverUpdate, nil)
	if n.count("S1", models.EventLiveDriverUpdate) != 1 {
		t.Fatalf("expected delivery for the replacement code only")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	n := &recordingNotifier{}
	m := NewManager(storage.NewMemoryStore(), n, 0, logging.Discard())
	m.Subscribe("S1", "AAA111")
	m.Subscribe("S2", "AAA111")
	m.Unsubscribe("S1")
	m.Unsubscribe("S1")
	m.Notify("AAA111", models.EventLiveRiderUpdate, nil)

	if n.count("S1", models.EventLiveRiderUpdate) != 0 || n.count("S2", models.EventLiveRiderUpdate) != 1 {
		t.Fatalf("unexpected deliveries %+v", n.got)
	}
}

func TestQueryMemoryPath(t *testing.T) {
	e := newEnv(t)
	_ = e.fleet.RegisterDriver("d1", "c1")
	_ = e.fleet.ReportDriverPosition("c1", models.Position{Lat: 3, Lng: 4})
	b, _ := e.fleet.Assign("d1", "r1", &models.Position{Lat: 1, Lng: 2}, nil)

	res, err := e.tracking.Query(context.Background(), b.BookingCode)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != models.SourceMemory || res.DriverID != "d1" || res.RiderID != "r1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if *res.DriverLat != 3 || *res.RiderLng != 2 {
		t.Fatalf("positions missing: %+v", res)
	}
}

func TestQueryStorePathForOfflineDriver(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_ = e.store.UpsertDriver(ctx, "d9", storage.Fields{storage.ColLat: 5.0, storage.ColLng: 6.0})
	_ = e.store.UpsertDriver(ctx, "d9", storage.SlotFields(2, models.Slot{
		RiderID: "r2", BookingCode: "OLD222", CreatedAt: time.Now(), RiderPos: &models.Position{Lat: 7, Lng: 8},
	}))

	res, err := e.tracking.Query(ctx, "OLD222")
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != models.SourceStore || res.DriverID != "d9" || res.RiderID != "r2" || *res.RiderLat != 7 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestReleaseThenQueryIsNotFound(t *testing.T) {
	e := newEnv(t)
	_ = e.fleet.RegisterDriver("d1", "c1")
	b, _ := e.fleet.Assign("d1", "r1", &models.Position{Lat: 1, Lng: 2}, nil)
	// The assign write landed; the clear from the release below will not.
	_ = e.store.UpsertDriver(context.Background(), "d1", storage.SlotFields(1, models.Slot{RiderID: "r1", BookingCode: b.BookingCode, CreatedAt: time.Now()}))

	if _, err := e.fleet.Release(b.BookingCode); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := e.tracking.Query(context.Background(), b.BookingCode); !errors.Is(err, models.ErrBookingNotFound) {
		t.Fatalf("expected ErrBookingNotFound, got %v", err)
	}
}

func TestQueryUnknownCode(t *testing.T) {
	e := newEnv(t)
	if _, err := e.tracking.Query(context.Background(), "NOPE00"); !errors.Is(err, models.ErrBookingNotFound) {
		t.Fatalf("expected ErrBookingNotFound, got %v", err)
	}
	if _, err := e.tracking.Query(context.Background(), ""); !errors.Is(err, models.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}
