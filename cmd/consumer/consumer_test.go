package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-relay/internal/ingest"
	"github.com/example/ride-relay/internal/models"
)

// fakeMirror implements GeoMirror for tests
type fakeMirror struct {
	failGeo     int // number of times to fail GeoAdd before succeeding
	failMeta    int // number of times to fail SetMeta before succeeding
	geoCalls    int
	metaCalls   int
	removeCalls int
	lastMeta    map[string]interface{}
}

func (f *fakeMirror) GeoAdd(ctx context.Context, driverID string, lat, lng float64) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeMirror) SetMeta(ctx context.Context, driverID string, values map[string]interface{}) error {
	f.metaCalls++
	if f.metaCalls <= f.failMeta {
		return errors.New("hset fail")
	}
	f.lastMeta = values
	return nil
}

func (f *fakeMirror) Remove(ctx context.Context, driverID string) error {
	f.removeCalls++
	return nil
}

func locationEvent() ingest.Event {
	return ingest.Event{
		Type:     ingest.EventDriverLocation,
		DriverID: "d1",
		Position: &models.Position{Lat: 1, Lng: 2, Speed: models.Float(7)},
		At:       time.Now(),
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeMirror{failGeo: 1, failMeta: 1}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, locationEvent(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.metaCalls < 2 {
		t.Fatalf("expected retries, got geo=%d meta=%d", f.geoCalls, f.metaCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.lastMeta["speed"] != 7.0 {
		t.Fatalf("speed not mirrored: %v", f.lastMeta)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeMirror{failGeo: 5}
	if err := updateRedisWithRetry(context.Background(), f, locationEvent(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestMirrorEvent(t *testing.T) {
	ctx := context.Background()
	f := &fakeMirror{}

	applied, err := mirrorEvent(ctx, f, ingest.Event{Type: ingest.EventDriverOffline, DriverID: "d1"}, 1, time.Millisecond)
	if err != nil || !applied || f.removeCalls != 1 || f.lastMeta["online"] != false {
		t.Fatalf("offline not mirrored: applied=%v err=%v meta=%v", applied, err, f.lastMeta)
	}

	applied, err = mirrorEvent(ctx, f, ingest.Event{Type: ingest.EventBookingAssigned, DriverID: "d1", BookingCode: "SECRET"}, 1, time.Millisecond)
	if err != nil || applied {
		t.Fatalf("booking events must not be mirrored")
	}

	if _, err := mirrorEvent(ctx, f, ingest.Event{Type: ingest.EventDriverLocation, DriverID: "d1"}, 1, time.Millisecond); !errors.Is(err, errNoPosition) {
		t.Fatalf("expected errNoPosition, got %v", err)
	}
}
