package snapshot

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-relay/internal/fleet"
	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/models"
)

type capture struct {
	mu     sync.Mutex
	rounds []any
	event  string
}

func (c *capture) Broadcast(event string, data any) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.event = event
	c.rounds = append(c.rounds, data)
	return 1
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rounds)
}

func TestTickSendsSanitizedView(t *testing.T) {
	f := fleet.New(fleet.Deps{Logger: logging.Discard()})
	if err := f.RegisterDriver("d1", "c1"); err != nil {
		t.Fatal(err)
	}
	pos := &models.Position{Lat: 1, Lng: 2}
	b1, _ := f.Assign("d1", "r1", pos, nil)
	b2, _ := f.Assign("d1", "r2", pos, nil)

	out := &capture{}
	NewBroadcaster(f, out, time.Second, logging.Discard()).Tick()

	if out.event != models.EventUpdateDrivers || out.count() != 1 {
		t.Fatalf("expected one updateDrivers round, got %q x%d", out.event, out.count())
	}
	raw, err := json.Marshal(out.rounds[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"bookedBy":["r1","r2"]`) {
		t.Fatalf("bookedBy missing: %s", raw)
	}
	for _, secret := range []string{b1.BookingCode, b2.BookingCode, "password"} {
		if strings.Contains(string(raw), secret) {
			t.Fatalf("payload leaks %q: %s", secret, raw)
		}
	}
}

func TestRunStopsWithContext(t *testing.T) {
	f := fleet.New(fleet.Deps{Logger: logging.Discard()})
	out := &capture{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewBroadcaster(f, out, 5*time.Millisecond, logging.Discard()).Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for out.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("broadcaster did not tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
