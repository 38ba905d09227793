package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-relay/internal/models"
)

var (
	ErrNotFound     = errors.New("driver record not found")
	ErrUnknownField = errors.New("unknown driver field")
)

// DriverStore is the durable record store for driver and booking state.
// Calls may fail independently; callers treat every write as best-effort.
type DriverStore interface {
	GetDriver(ctx context.Context, id string) (models.DriverRecord, error)
	UpsertDriver(ctx context.Context, id string, fields Fields) error
	FindByField(ctx context.Context, field string, value any) ([]models.DriverRecord, error)
	ListDrivers(ctx context.Context, filter Filter) ([]models.DriverRecord, error)
	Ping(ctx context.Context) error
}

// Fields is a partial driver update keyed by column name. A nil value clears
// the column.
type Fields map[string]any

type Filter struct {
	Online *bool
}

func (f Filter) match(r models.DriverRecord) bool {
	return f.Online == nil || *f.Online == r.Online
}

const (
	ColLat      = "lat"
	ColLng      = "lng"
	ColSpeed    = "speed"
	ColAccuracy = "accuracy"
	ColOnline   = "online"
)

// Slot columns, 1-based like the slot numbers shown to clients.
func ColRiderID(slot int) string   { return fmt.Sprintf("rider%d_id", slot) }
func ColCode(slot int) string      { return fmt.Sprintf("booking%d_code", slot) }
func ColCreatedAt(slot int) string { return fmt.Sprintf("rider%d_created_at", slot) }
func ColRiderLat(slot int) string  { return fmt.Sprintf("rider%d_lat", slot) }
func ColRiderLng(slot int) string  { return fmt.Sprintf("rider%d_lng", slot) }

var knownColumns = func() map[string]struct{} {
	cols := map[string]struct{}{
		ColLat: {}, ColLng: {}, ColSpeed: {}, ColAccuracy: {}, ColOnline: {},
	}
	for slot := 1; slot <= models.SlotCount; slot++ {
		for _, c := range []string{ColRiderID(slot), ColCode(slot), ColCreatedAt(slot), ColRiderLat(slot), ColRiderLng(slot)} {
			cols[c] = struct{}{}
		}
	}
	return cols
}()

// Columns lists every writable column in a stable order.
func Columns() []string {
	out := []string{ColLat, ColLng, ColSpeed, ColAccuracy, ColOnline}
	for slot := 1; slot <= models.SlotCount; slot++ {
		out = append(out, ColRiderID(slot), ColCode(slot), ColCreatedAt(slot), ColRiderLat(slot), ColRiderLng(slot))
	}
	return out
}

func (f Fields) Validate() error {
	for k := range f {
		if _, ok := knownColumns[k]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownField, k)
		}
	}
	return nil
}

// PositionFields is the driver position update.
func PositionFields(p models.Position) Fields {
	f := Fields{ColLat: p.Lat, ColLng: p.Lng}
	if p.Speed != nil {
		f[ColSpeed] = *p.Speed
	}
	if p.Accuracy != nil {
		f[ColAccuracy] = *p.Accuracy
	}
	return f
}

// SlotFields writes every column of one slot; an empty slot clears them.
func SlotFields(slot int, s models.Slot) Fields {
	if !s.Booked() {
		return Fields{
			ColRiderID(slot): nil, ColCode(slot): nil, ColCreatedAt(slot): nil,
			ColRiderLat(slot): nil, ColRiderLng(slot): nil,
		}
	}
	f := Fields{
		ColRiderID(slot):   s.RiderID,
		ColCode(slot):      s.BookingCode,
		ColCreatedAt(slot): s.CreatedAt,
		ColRiderLat(slot):  nil,
		ColRiderLng(slot):  nil,
	}
	if s.RiderPos != nil {
		f[ColRiderLat(slot)] = s.RiderPos.Lat
		f[ColRiderLng(slot)] = s.RiderPos.Lng
	}
	return f
}

// RiderPositionFields updates only the cached rider position of a slot.
func RiderPositionFields(slot int, p models.Position) Fields {
	return Fields{ColRiderLat(slot): p.Lat, ColRiderLng(slot): p.Lng}
}

// Apply merges f into r.
func Apply(r *models.DriverRecord, f Fields) error {
	if err := f.Validate(); err != nil {
		return err
	}
	for k, v := range f {
		if err := applyOne(r, k, v); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(r *models.DriverRecord, col string, v any) error {
	switch col {
	case ColLat:
		return setFloat(&r.Lat, col, v)
	case ColLng:
		return setFloat(&r.Lng, col, v)
	case ColSpeed:
		return setFloat(&r.Speed, col, v)
	case ColAccuracy:
		return setFloat(&r.Accuracy, col, v)
	case ColOnline:
		b, ok := v.(bool)
		if !ok && v != nil {
			return fmt.Errorf("column %s: expected bool, got %T", col, v)
		}
		r.Online = b
		return nil
	}
	for slot := 1; slot <= models.SlotCount; slot++ {
		s := &r.Slots[slot-1]
		switch col {
		case ColRiderID(slot):
			return setString(&s.RiderID, col, v)
		case ColCode(slot):
			return setString(&s.BookingCode, col, v)
		case ColCreatedAt(slot):
			switch t := v.(type) {
			case nil:
				s.CreatedAt = time.Time{}
			case time.Time:
				s.CreatedAt = t
			default:
				return fmt.Errorf("column %s: expected time, got %T", col, v)
			}
			return nil
		case ColRiderLat(slot), ColRiderLng(slot):
			var cur *float64
			if s.RiderPos != nil {
				if col == ColRiderLat(slot) {
					cur = &s.RiderPos.Lat
				} else {
					cur = &s.RiderPos.Lng
				}
			}
			if v == nil {
				s.RiderPos = nil
				return nil
			}
			f, ok := toFloat(v)
			if !ok {
				return fmt.Errorf("column %s: expected number, got %T", col, v)
			}
			if cur == nil {
				s.RiderPos = &models.Position{}
				if col == ColRiderLat(slot) {
					cur = &s.RiderPos.Lat
				} else {
					cur = &s.RiderPos.Lng
				}
			}
			*cur = f
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownField, col)
}

// Value reads one column from a record; "id" is also accepted.
func Value(r models.DriverRecord, col string) (any, error) {
	switch col {
	case "id":
		return r.ID, nil
	case ColOnline:
		return r.Online, nil
	case ColLat:
		return derefFloat(r.Lat), nil
	case ColLng:
		return derefFloat(r.Lng), nil
	case ColSpeed:
		return derefFloat(r.Speed), nil
	case ColAccuracy:
		return derefFloat(r.Accuracy), nil
	}
	for slot := 1; slot <= models.SlotCount; slot++ {
		s := r.Slots[slot-1]
		switch col {
		case ColRiderID(slot):
			return nullString(s.RiderID), nil
		case ColCode(slot):
			return nullString(s.BookingCode), nil
		case ColCreatedAt(slot):
			if s.CreatedAt.IsZero() {
				return nil, nil
			}
			return s.CreatedAt, nil
		case ColRiderLat(slot):
			if s.RiderPos == nil {
				return nil, nil
			}
			return s.RiderPos.Lat, nil
		case ColRiderLng(slot):
			if s.RiderPos == nil {
				return nil, nil
			}
			return s.RiderPos.Lng, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownField, col)
}

func setFloat(dst **float64, col string, v any) error {
	if v == nil {
		*dst = nil
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return fmt.Errorf("column %s: expected number, got %T", col, v)
	}
	*dst = &f
	return nil
}

func setString(dst *string, col string, v any) error {
	switch s := v.(type) {
	case nil:
		*dst = ""
	case string:
		*dst = s
	default:
		return fmt.Errorf("column %s: expected string, got %T", col, v)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func derefFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
