package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-relay/internal/models"
)

func TestMemoryStoreUpsertAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetDriver(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	slot := models.Slot{RiderID: "r9", BookingCode: "XYZ900", CreatedAt: created, RiderPos: &models.Position{Lat: 1, Lng: 2}}
	if err := s.UpsertDriver(ctx, "d1", SlotFields(1, slot)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertDriver(ctx, "d1", PositionFields(models.Position{Lat: 5, Lng: 6, Speed: models.Float(3)})); err != nil {
		t.Fatal(err)
	}

	r, err := s.GetDriver(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Slots[0].RiderID != "r9" || r.Slots[0].BookingCode != "XYZ900" || !r.Slots[0].CreatedAt.Equal(created) {
		t.Fatalf("slot not stored: %+v", r.Slots[0])
	}
	if r.Slots[0].RiderPos == nil || r.Slots[0].RiderPos.Lat != 1 {
		t.Fatalf("rider position not stored: %+v", r.Slots[0].RiderPos)
	}
	if p := r.Position(); p == nil || p.Lat != 5 || *p.Speed != 3 {
		t.Fatalf("driver position not stored: %+v", p)
	}
	if r.Slots[1].Booked() {
		t.Fatalf("slot 2 should be empty")
	}
}

func TestMemoryStoreClearSlot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.UpsertDriver(ctx, "d1", SlotFields(2, models.Slot{RiderID: "r1", BookingCode: "AAA111", CreatedAt: time.Now()}))
	if err := s.UpsertDriver(ctx, "d1", SlotFields(2, models.Slot{})); err != nil {
		t.Fatal(err)
	}
	r, _ := s.GetDriver(ctx, "d1")
	if r.Slots[1] != (models.Slot{}) {
		t.Fatalf("expected empty slot, got %+v", r.Slots[1])
	}
	found, err := s.FindByField(ctx, ColCode(2), "AAA111")
	if err != nil || len(found) != 0 {
		t.Fatalf("expected no match after clear, got %v %v", found, err)
	}
}

func TestMemoryStoreFindAndList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.UpsertDriver(ctx, "d2", Fields{ColOnline: true, ColCode(1): "CODE22"})
	_ = s.UpsertDriver(ctx, "d1", Fields{ColOnline: false})
	_ = s.UpsertDriver(ctx, "d3", Fields{ColOnline: true})

	found, err := s.FindByField(ctx, ColCode(1), "CODE22")
	if err != nil || len(found) != 1 || found[0].ID != "d2" {
		t.Fatalf("unexpected find result %v %v", found, err)
	}

	online := true
	list, err := s.ListDrivers(ctx, Filter{Online: &online})
	if err != nil || len(list) != 2 || list[0].ID != "d2" || list[1].ID != "d3" {
		t.Fatalf("unexpected list %v %v", list, err)
	}
	all, _ := s.ListDrivers(ctx, Filter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 drivers, got %d", len(all))
	}
}

func TestMemoryStoreRejectsUnknownField(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpsertDriver(context.Background(), "d1", Fields{"password": "x"})
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
	if _, err := s.FindByField(context.Background(), "gmail", "x"); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField on find, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.UpsertDriver(ctx, "d1", SlotFields(1, models.Slot{RiderID: "r", BookingCode: "C", CreatedAt: time.Now(), RiderPos: &models.Position{Lat: 1}}))
	r, _ := s.GetDriver(ctx, "d1")
	r.Slots[0].RiderPos.Lat = 99
	again, _ := s.GetDriver(ctx, "d1")
	if again.Slots[0].RiderPos.Lat != 1 {
		t.Fatalf("store state mutated through returned record")
	}
}
