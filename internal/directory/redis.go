package directory

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisDirectory keeps presence in a Redis GEO set plus a per-driver meta
// hash, so several API nodes can share one driver pool. The location
// consumer writes the same keys from the Kafka stream.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisDirectory(addr, password, key string) *RedisDirectory {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisDirectory{client: c, key: key}
}

func metaKey(id string) string { return "driver:presence:" + id }

func (r *RedisDirectory) Upsert(p models.DriverPresence) {
	ctx := context.Background()
	if p.Lat != nil && p.Lon != nil {
		_, _ = r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
			Longitude: *p.Lon, Latitude: *p.Lat, Name: p.DriverID,
		}).Result()
	}
	_ = r.client.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"online":     strconv.FormatBool(p.Online),
		"vehicle_id": p.VehicleID,
		"updated":    time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisDirectory) MarkOffline(driverID string) {
	_ = r.client.HSet(context.Background(), metaKey(driverID), "online", "false").Err()
}

func (r *RedisDirectory) Get(driverID string) (models.DriverPresence, bool) {
	ctx := context.Background()
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil || len(m) == 0 {
		return models.DriverPresence{}, false
	}
	p := models.DriverPresence{DriverID: driverID, VehicleID: m["vehicle_id"]}
	p.Online = m["online"] == "true"
	if pos, err := r.client.GeoPos(ctx, r.key, driverID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		lat, lon := pos[0].Latitude, pos[0].Longitude
		p.Lat, p.Lon = &lat, &lon
	}
	return p, true
}

func (r *RedisDirectory) FindNearest(lat, lon, maxDistanceKm float64, limit int) []models.Candidate {
	if maxDistanceKm <= 0 {
		maxDistanceKm = DefaultMaxDistanceKm
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	ctx := context.Background()
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: maxDistanceKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		if len(out) == limit {
			break
		}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || m["online"] != "true" {
			continue // offline drivers may still linger in the GEO set
		}
		glat, glon := g.Latitude, g.Longitude
		out = append(out, models.Candidate{
			Driver: models.DriverPresence{
				DriverID:  g.Name,
				Online:    true,
				Lat:       &glat,
				Lon:       &glon,
				VehicleID: m["vehicle_id"],
			},
			DistanceKm: g.Dist,
		})
	}
	return out
}
