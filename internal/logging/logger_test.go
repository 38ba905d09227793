package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "WARN")
	l.Info("dropped")
	l.Warn("kept", "driver_id", "d1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected a single JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "kept" || rec["driver_id"] != "d1" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestComponentAttribute(t *testing.T) {
	var buf bytes.Buffer
	Component(newLogger(&buf, "debug"), "fleet").Debug("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["component"] != "fleet" {
		t.Fatalf("expected component attr, got %v", rec)
	}
}
