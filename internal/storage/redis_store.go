package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-relay/internal/models"
)

// RedisStore keeps each driver as a hash, the id set for listing, and one
// string key per active booking code so lookups by code skip the scan.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, password, prefix string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c, prefix: prefix}
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) driverKey(id string) string { return r.prefix + ":driver:" + id }
func (r *RedisStore) idsKey() string { return r.prefix + ":drivers" }
func (r *RedisStore) codeKey(code string) string { return r.prefix + ":code:" + code }

func (r *RedisStore) GetDriver(ctx context.Context, id string) (models.DriverRecord, error) {
	m, err := r.client.HGetAll(ctx, r.driverKey(id)).Result()
	if err != nil {
		return models.DriverRecord{}, fmt.Errorf("hgetall driver %s: %w", id, err)
	}
	if len(m) == 0 {
		return models.DriverRecord{}, ErrNotFound
	}
	return decodeHash(id, m)
}

func (r *RedisStore) UpsertDriver(ctx context.Context, id string, fields Fields) error {
	if err := fields.Validate(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	// Old codes are needed to drop stale index keys.
	var codeCols []string
	for slot := 1; slot <= models.SlotCount; slot++ {
		if _, ok := fields[ColCode(slot)]; ok {
			codeCols = append(codeCols, ColCode(slot))
		}
	}
	var oldCodes []any
	if len(codeCols) > 0 {
		var err error
		oldCodes, err = r.client.HMGet(ctx, r.driverKey(id), codeCols...).Result()
		if err != nil {
			return fmt.Errorf("read booking codes for %s: %w", id, err)
		}
	}

	set := make(map[string]interface{}, len(fields))
	var del []string
	for k, v := range fields {
		if v == nil {
			del = append(del, k)
			continue
		}
		s, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("column %s: %w", k, err)
		}
		set[k] = s
	}

	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		key := r.driverKey(id)
		p.SAdd(ctx, r.idsKey(), id)
		p.HSet(ctx, key, "id", id)
		if len(set) > 0 {
			p.HSet(ctx, key, set)
		}
		if len(del) > 0 {
			p.HDel(ctx, key, del...)
		}
		for i, col := range codeCols {
			if old, ok := oldCodes[i].(string); ok && old != "" {
				p.Del(ctx, r.codeKey(old))
			}
			if code, ok := fields[col].(string); ok && code != "" {
				p.Set(ctx, r.codeKey(code), id, 0)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) FindByField(ctx context.Context, field string, value any) ([]models.DriverRecord, error) {
	if _, ok := knownColumns[field]; !ok && field != "id" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	var ids []string
	if code, ok := value.(string); ok && strings.HasPrefix(field, "booking") {
		id, err := r.client.Get(ctx, r.codeKey(code)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lookup code: %w", err)
		}
		ids = []string{id}
	} else {
		var err error
		ids, err = r.client.SMembers(ctx, r.idsKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("list driver ids: %w", err)
		}
		sort.Strings(ids)
	}

	var out []models.DriverRecord
	for _, id := range ids {
		rec, err := r.GetDriver(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if v, _ := Value(rec, field); v != nil && v == value {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *RedisStore) ListDrivers(ctx context.Context, filter Filter) ([]models.DriverRecord, error) {
	ids, err := r.client.SMembers(ctx, r.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list driver ids: %w", err)
	}
	sort.Strings(ids)
	out := make([]models.DriverRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetDriver(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func encodeValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

func decodeHash(id string, m map[string]string) (models.DriverRecord, error) {
	rec := models.DriverRecord{ID: id}
	fields := make(Fields, len(m))
	for k, s := range m {
		if _, ok := knownColumns[k]; !ok {
			continue
		}
		v, err := decodeValue(k, s)
		if err != nil {
			return models.DriverRecord{}, fmt.Errorf("driver %s column %s: %w", id, k, err)
		}
		fields[k] = v
	}
	if err := Apply(&rec, fields); err != nil {
		return models.DriverRecord{}, err
	}
	return rec, nil
}

func decodeValue(col, s string) (any, error) {
	switch {
	case col == ColOnline:
		return strconv.ParseBool(s)
	case strings.HasSuffix(col, "_created_at"):
		return time.Parse(time.RFC3339Nano, s)
	case strings.HasSuffix(col, "_id"), strings.HasSuffix(col, "_code"):
		return s, nil
	default:
		return strconv.ParseFloat(s, 64)
	}
}
