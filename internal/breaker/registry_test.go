package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dyluth/warren/pkg/blackboard"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testThresholds() Thresholds {
	return Thresholds{
		LatencyThreshold:      10 * time.Second,
		DegradeAfter:          3,
		OpenAfter:             5,
		RecoverAfter:          3,
		Cooldown:              time.Hour,
		DegradedTimeoutFactor: decimal.RequireFromString("0.5"),
	}
}

func setupRegistry(t *testing.T) (*Registry, *blackboard.Client, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, "test-portfolio")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	reg, err := NewRegistry(client, testThresholds(), zaptest.NewLogger(t))
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2025, 3, 3, 21, 30, 0, 0, time.UTC)}
	reg.SetClock(clock.Now)
	return reg, client, clock
}

func TestRegistry_TimeoutsOpenCircuit(t *testing.T) {
	reg, _, _ := setupRegistry(t)
	ctx := context.Background()

	var states []State
	for cycle := 0; cycle < 5; cycle++ {
		permit, err := reg.Allow(ctx, "momentum", 30*time.Second)
		require.NoError(t, err)
		require.True(t, permit.Allowed, "cycle %d", cycle)

		_, err = reg.Record(ctx, "momentum", OutcomeTimeout, permit.Budget)
		require.NoError(t, err)
		states = append(states, reg.State("momentum"))
	}

	assert.Equal(t, []State{StateHealthy, StateHealthy, StateDegraded, StateDegraded, StateOpen}, states)

	permit, err := reg.Allow(ctx, "momentum", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, permit.Allowed)
	assert.Equal(t, StateOpen, permit.State)
}

func TestRegistry_DegradedBudget(t *testing.T) {
	reg, _, _ := setupRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := reg.Record(ctx, "value", OutcomeSuccess, 15*time.Second)
		require.NoError(t, err)
	}
	require.Equal(t, StateDegraded, reg.State("value"))

	permit, err := reg.Allow(ctx, "value", 40*time.Second)
	require.NoError(t, err)
	assert.True(t, permit.Allowed)
	assert.Equal(t, 20*time.Second, permit.Budget)

	t.Run("fast successes recover", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			_, err := reg.Record(ctx, "value", OutcomeSuccess, time.Second)
			require.NoError(t, err)
		}
		assert.Equal(t, StateDegraded, reg.State("value"))

		tr, err := reg.Record(ctx, "value", OutcomeSuccess, time.Second)
		require.NoError(t, err)
		require.NotNil(t, tr)
		assert.Equal(t, StateDegraded, tr.From)
		assert.Equal(t, StateHealthy, tr.To)
	})
}

func TestRegistry_RecoveryCycle(t *testing.T) {
	reg, _, clock := setupRegistry(t)
	ctx := context.Background()

	openCircuit := func() {
		for i := 0; i < 5; i++ {
			_, err := reg.Record(ctx, "momentum", OutcomeUnavailable, 0)
			require.NoError(t, err)
		}
		require.Equal(t, StateOpen, reg.State("momentum"))
	}
	openCircuit()

	t.Run("blocked during cooldown", func(t *testing.T) {
		clock.Advance(59 * time.Minute)
		permit, err := reg.Allow(ctx, "momentum", time.Minute)
		require.NoError(t, err)
		assert.False(t, permit.Allowed)
	})

	t.Run("failed recovery restarts cooldown", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		permit, err := reg.Allow(ctx, "momentum", time.Minute)
		require.NoError(t, err)
		require.True(t, permit.Allowed)
		assert.Equal(t, StateRecovering, permit.State)

		tr, err := reg.Record(ctx, "momentum", OutcomeTimeout, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, tr)
		assert.Equal(t, StateOpen, tr.To)

		clock.Advance(30 * time.Minute)
		permit, err = reg.Allow(ctx, "momentum", time.Minute)
		require.NoError(t, err)
		assert.False(t, permit.Allowed)
	})

	t.Run("slow recovery reopens", func(t *testing.T) {
		clock.Advance(time.Hour)
		permit, err := reg.Allow(ctx, "momentum", time.Minute)
		require.NoError(t, err)
		require.True(t, permit.Allowed)

		_, err = reg.Record(ctx, "momentum", OutcomeSuccess, 20*time.Second)
		require.NoError(t, err)
		assert.Equal(t, StateOpen, reg.State("momentum"))
	})

	t.Run("fast recovery heals", func(t *testing.T) {
		clock.Advance(time.Hour)
		permit, err := reg.Allow(ctx, "momentum", time.Minute)
		require.NoError(t, err)
		require.True(t, permit.Allowed)

		_, err = reg.Record(ctx, "momentum", OutcomeSuccess, time.Second)
		require.NoError(t, err)
		assert.Equal(t, StateHealthy, reg.State("momentum"))

		snap := reg.Snapshot()
		require.Len(t, snap, 1)
		assert.Zero(t, snap[0].ConsecutiveFailures)
	})
}

func TestRegistry_SchemaInvalidIsNeutral(t *testing.T) {
	reg, _, _ := setupRegistry(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := reg.Record(ctx, "p", OutcomeUnavailable, 0)
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		_, err := reg.Record(ctx, "p", OutcomeSchemaInvalid, 50*time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, StateHealthy, reg.State("p"))

	_, err := reg.Record(ctx, "p", OutcomeUnavailable, 0)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, reg.State("p"))
}

func TestRegistry_PerProviderLatency(t *testing.T) {
	reg, _, _ := setupRegistry(t)
	ctx := context.Background()
	reg.SetLatencyThreshold("slowpoke", time.Minute)

	for i := 0; i < 3; i++ {
		_, err := reg.Record(ctx, "slowpoke", OutcomeSuccess, 30*time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, StateHealthy, reg.State("slowpoke"))
}

func TestRegistry_PersistAndReset(t *testing.T) {
	reg, client, _ := setupRegistry(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := reg.Record(ctx, "momentum", OutcomeUnavailable, 0)
		require.NoError(t, err)
	}

	t.Run("state survives restart", func(t *testing.T) {
		restarted, err := NewRegistry(client, testThresholds(), nil)
		require.NoError(t, err)
		require.NoError(t, restarted.Load(ctx))
		assert.Equal(t, StateOpen, restarted.State("momentum"))
	})

	t.Run("operator reset", func(t *testing.T) {
		require.NoError(t, reg.Reset(ctx, "momentum"))
		assert.Equal(t, StateHealthy, reg.State("momentum"))

		restarted, err := NewRegistry(client, testThresholds(), nil)
		require.NoError(t, err)
		require.NoError(t, restarted.Load(ctx))
		assert.Equal(t, StateHealthy, restarted.State("momentum"))
	})

	t.Run("unreadable entries are skipped", func(t *testing.T) {
		require.NoError(t, client.SaveProviderHealth(ctx, "broken", []byte("{nope")))
		restarted, err := NewRegistry(client, testThresholds(), nil)
		require.NoError(t, err)
		require.NoError(t, restarted.Load(ctx))
		assert.Equal(t, StateHealthy, restarted.State("broken"))
	})
}

func TestRegistry_InMemory(t *testing.T) {
	reg, err := NewRegistry(nil, testThresholds(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, reg.Load(ctx))
	_, err = reg.Record(ctx, "p", OutcomeSuccess, time.Second)
	require.NoError(t, err)
	require.NoError(t, reg.Reset(ctx, "p"))
}

func TestThresholds_Validate(t *testing.T) {
	bad := testThresholds()
	bad.OpenAfter = 0
	_, err := NewRegistry(nil, bad, nil)
	assert.Error(t, err)

	bad = testThresholds()
	bad.DegradedTimeoutFactor = decimal.Zero
	assert.Error(t, bad.Validate())
}
