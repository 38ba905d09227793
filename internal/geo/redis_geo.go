package geo

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisGeo mirrors driver positions into a Redis GEO set plus a meta hash per
// driver, for consumers that want spatial queries over the live fleet.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) GeoAdd(ctx context.Context, driverID string, lat, lng float64) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: driverID}).Err()
}

func (r *RedisGeo) SetMeta(ctx context.Context, driverID string, values map[string]interface{}) error {
	return r.client.HSet(ctx, MetaKey(driverID), values).Err()
}

// Remove drops a driver from the GEO set; the meta hash is kept.
func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	return r.client.ZRem(ctx, r.key, driverID).Err()
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func MetaKey(id string) string { return "driver:meta:" + id }
