package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/ride-relay/internal/models"
)

// PostgresStore keeps one row per driver in the drivers table
// (see migrations/001_create_drivers.sql).
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

func (p *PostgresStore) Close() { p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.Ping(ctx) }

// selectColumns matches the Scan order in scanRecord.
var selectColumns = func() string {
	cols := []string{"id", ColOnline, ColLat, ColLng, ColSpeed, ColAccuracy}
	for slot := 1; slot <= models.SlotCount; slot++ {
		cols = append(cols, ColRiderID(slot), ColCode(slot), ColCreatedAt(slot), ColRiderLat(slot), ColRiderLng(slot))
	}
	return strings.Join(cols, ", ")
}()

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.DriverRecord, error) {
	row := p.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM drivers WHERE id = $1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DriverRecord{}, ErrNotFound
	}
	if err != nil {
		return models.DriverRecord{}, fmt.Errorf("select driver %s: %w", id, err)
	}
	return r, nil
}

// UpsertDriver inserts the row if missing, otherwise updates only the given
// columns. Column names are checked against the known set before they reach SQL.
func (p *PostgresStore) UpsertDriver(ctx context.Context, id string, fields Fields) error {
	if err := fields.Validate(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	cols := make([]string, 0, len(fields))
	for c := range fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols)+1)
	args = append(args, id)
	placeholders := make([]string, 0, len(cols))
	sets := make([]string, 0, len(cols)+1)
	for i, c := range cols {
		args = append(args, fields[c])
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	sets = append(sets, "updated_at = now()")

	q := fmt.Sprintf(`INSERT INTO drivers (id, %s) VALUES ($1, %s)
		ON CONFLICT (id) DO UPDATE SET %s`,
		strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(sets, ", "))
	if _, err := p.db.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert driver %s: %w", id, err)
	}
	return nil
}

func (p *PostgresStore) FindByField(ctx context.Context, field string, value any) ([]models.DriverRecord, error) {
	if _, ok := knownColumns[field]; !ok && field != "id" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	rows, err := p.db.Query(ctx, `SELECT `+selectColumns+` FROM drivers WHERE `+field+` = $1 ORDER BY id`, value)
	if err != nil {
		return nil, fmt.Errorf("find drivers by %s: %w", field, err)
	}
	return collect(rows)
}

func (p *PostgresStore) ListDrivers(ctx context.Context, filter Filter) ([]models.DriverRecord, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if filter.Online != nil {
		rows, err = p.db.Query(ctx, `SELECT `+selectColumns+` FROM drivers WHERE online = $1 ORDER BY id`, *filter.Online)
	} else {
		rows, err = p.db.Query(ctx, `SELECT `+selectColumns+` FROM drivers ORDER BY id`)
	}
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]models.DriverRecord, error) {
	defer rows.Close()
	var out []models.DriverRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (models.DriverRecord, error) {
	var (
		r     models.DriverRecord
		slots [models.SlotCount]struct {
			rider, code *string
			created     *time.Time
			lat, lng    *float64
		}
	)
	dest := []any{&r.ID, &r.Online, &r.Lat, &r.Lng, &r.Speed, &r.Accuracy}
	for i := range slots {
		s := &slots[i]
		dest = append(dest, &s.rider, &s.code, &s.created, &s.lat, &s.lng)
	}
	if err := row.Scan(dest...); err != nil {
		return models.DriverRecord{}, err
	}
	for i, s := range slots {
		if s.rider == nil || *s.rider == "" {
			continue
		}
		slot := models.Slot{RiderID: *s.rider}
		if s.code != nil {
			slot.BookingCode = *s.code
		}
		if s.created != nil {
			slot.CreatedAt = *s.created
		}
		if s.lat != nil && s.lng != nil {
			slot.RiderPos = &models.Position{Lat: *s.lat, Lng: *s.lng}
		}
		r.Slots[i] = slot
	}
	return r, nil
}
