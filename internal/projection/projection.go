// Package projection keeps a Redis read model of rides in step with the
// ride event stream.
package projection

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const ActiveRidesKey = "rides:active"

// RideRef names a ride across server runs: "<run>:<id>".
func RideRef(runID string, id int64) string { return runID + ":" + strconv.FormatInt(id, 10) }

func RideKey(runID string, id int64) string { return "ride:" + RideRef(runID, id) }

func DriverKey(name string) string { return "driver:meta:" + name }

// RedisUpdater is the subset of redis operations the projection needs.
type RedisUpdater interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
}

type RedisAdapter struct{ C *redis.Client }

func (r *RedisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.C.HSet(ctx, key, values).Err()
}

func (r *RedisAdapter) SAdd(ctx context.Context, key string, member string) error {
	return r.C.SAdd(ctx, key, member).Err()
}

func (r *RedisAdapter) SRem(ctx context.Context, key string, member string) error {
	return r.C.SRem(ctx, key, member).Err()
}

// Apply writes one event into redis, retrying the whole update with doubling
// delay. Every write is idempotent so a partial attempt is safe to repeat.
func Apply(ctx context.Context, u RedisUpdater, evt models.RideEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = apply(ctx, u, evt); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func apply(ctx context.Context, u RedisUpdater, evt models.RideEvent) error {
	rd := evt.Ride
	ref := RideRef(evt.RunID, rd.ID)

	fields := map[string]interface{}{
		"run_id":      evt.RunID,
		"id":          rd.ID,
		"customer":    rd.Customer,
		"pickup":      rd.Pickup,
		"destination": rd.Destination,
		"status":      string(rd.Status),
		"driver":      rd.Driver,
		"fare":        rd.Fare,
		"rated":       rd.Rated,
		"updated_at":  rd.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if evt.Rating != nil {
		fields["rating_overall"] = evt.Rating.Overall()
		fields["rating_comment"] = evt.Rating.Comment
	}
	if err := u.HSet(ctx, RideKey(evt.RunID, rd.ID), fields); err != nil {
		return err
	}

	if rd.Status.Active() {
		if err := u.SAdd(ctx, ActiveRidesKey, ref); err != nil {
			return err
		}
	} else if err := u.SRem(ctx, ActiveRidesKey, ref); err != nil {
		return err
	}

	if rd.Driver == "" {
		return nil
	}
	meta := map[string]interface{}{}
	switch evt.Type {
	case models.EventRideAssigned, models.EventRideStarted:
		meta["current_ride"] = ref
		meta["busy"] = true
	case models.EventRideEnded, models.EventRideCancelled:
		meta["current_ride"] = ""
		meta["busy"] = false
	case models.EventRideRated:
		meta["rating"] = evt.DriverRating
	}
	if len(meta) == 0 {
		return nil
	}
	return u.HSet(ctx, DriverKey(rd.Driver), meta)
}
