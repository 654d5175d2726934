package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater fails the first failH HSet calls.
type fakeUpdater struct {
	failH  int
	hCalls int
	sets   map[string]bool
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func (f *fakeUpdater) SAdd(ctx context.Context, key, member string) error {
	if f.sets == nil {
		f.sets = map[string]bool{}
	}
	f.sets[member] = true
	return nil
}

func (f *fakeUpdater) SRem(ctx context.Context, key, member string) error {
	delete(f.sets, member)
	return nil
}

func TestApplySucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failH: 2}
	evt := models.RideEvent{RunID: "r1", Type: models.EventRideRequested, Ride: models.Ride{ID: 1, Customer: "alice", Status: models.StatusRequested}}
	start := time.Now()
	require.NoError(t, Apply(context.Background(), f, evt, 3, 5*time.Millisecond))
	assert.Equal(t, 3, f.hCalls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.True(t, f.sets["r1:1"])
}

func TestApplyFailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failH: 5}
	evt := models.RideEvent{RunID: "r1", Type: models.EventRideRequested, Ride: models.Ride{ID: 1, Status: models.StatusRequested}}
	assert.EqualError(t, Apply(context.Background(), f, evt, 3, time.Millisecond), "hset fail")
	assert.Equal(t, 3, f.hCalls)
}

func TestApplyStopsOnCancel(t *testing.T) {
	f := &fakeUpdater{failH: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Apply(ctx, f, models.RideEvent{RunID: "r1", Ride: models.Ride{ID: 1}}, 3, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApplyAgainstRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	u := &RedisAdapter{C: rc}
	ctx := context.Background()

	rd := models.Ride{ID: 7, Customer: "alice", Pickup: "A", Destination: "B", Driver: "bob", Status: models.StatusAssigned, Fare: 15}
	require.NoError(t, Apply(ctx, u, models.RideEvent{RunID: "r1", Type: models.EventRideAssigned, Ride: rd}, 1, 0))

	assert.Equal(t, "ASSIGNED", mr.HGet(RideKey("r1", 7), "status"))
	assert.Equal(t, "r1:7", mr.HGet(DriverKey("bob"), "current_ride"))
	assert.True(t, rc.SIsMember(ctx, ActiveRidesKey, "r1:7").Val())

	rd.Status, rd.Rated = models.StatusEnded, true
	rt := models.Rating{Behaviour: 5, Car: 5, Ride: 5, Comment: "great"}
	require.NoError(t, Apply(ctx, u, models.RideEvent{RunID: "r1", Type: models.EventRideRated, Ride: rd, Rating: &rt, DriverRating: 5}, 1, 0))

	assert.Equal(t, "END", mr.HGet(RideKey("r1", 7), "status"))
	assert.Equal(t, "5", mr.HGet(RideKey("r1", 7), "rating_overall"))
	assert.Equal(t, "5", mr.HGet(DriverKey("bob"), "rating"))
	assert.False(t, rc.SIsMember(ctx, ActiveRidesKey, "r1:7").Val())
}

func TestApplyKeepsRunsApart(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	u := &RedisAdapter{C: rc}
	ctx := context.Background()

	old := models.Ride{ID: 1, Customer: "alice", Driver: "bob", Status: models.StatusEnded, Rated: true}
	rt := models.Rating{Behaviour: 2, Car: 2, Ride: 2, Comment: "late"}
	require.NoError(t, Apply(ctx, u, models.RideEvent{RunID: "boot-1", Type: models.EventRideRated, Ride: old, Rating: &rt, DriverRating: 2}, 1, 0))

	fresh := models.Ride{ID: 1, Customer: "carol", Status: models.StatusRequested}
	require.NoError(t, Apply(ctx, u, models.RideEvent{RunID: "boot-2", Type: models.EventRideRequested, Ride: fresh}, 1, 0))

	assert.Equal(t, "carol", mr.HGet(RideKey("boot-2", 1), "customer"))
	assert.Empty(t, mr.HGet(RideKey("boot-2", 1), "rating_comment"))
	assert.Equal(t, "alice", mr.HGet(RideKey("boot-1", 1), "customer"))
	assert.Equal(t, "late", mr.HGet(RideKey("boot-1", 1), "rating_comment"))
}
