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

	"github.com/dyluth/warren/pkg/blackboard"
)

func dd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testDrawdownLimits() DrawdownLimits {
	return DrawdownLimits{
		Caution:           dd("0.05"),
		CautionMultiplier: dd("0.75"),
		Reduce:            dd("0.10"),
		ReduceMultiplier:  dd("0.5"),
		Halt:              dd("0.20"),
		UnwindWindow:      5 * 24 * time.Hour,
		CycleInterval:     24 * time.Hour,
	}
}

func TestDrawdown_Band(t *testing.T) {
	d, err := NewDrawdown(testDrawdownLimits(), nil, nil)
	require.NoError(t, err)

	tests := []struct {
		drawdown   string
		mode       Mode
		multiplier string
	}{
		{"0", ModeNormal, "1"},
		{"0.0499", ModeNormal, "1"},
		{"0.05", ModeCaution, "0.75"},
		{"0.0999", ModeCaution, "0.75"},
		{"0.10", ModeReduce, "0.5"},
		{"0.1999", ModeReduce, "0.5"},
		{"0.20", ModeHalt, "0"},
		{"0.75", ModeHalt, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.drawdown, func(t *testing.T) {
			mode, multiplier := d.Band(dd(tt.drawdown))
			assert.Equal(t, tt.mode, mode)
			assert.True(t, dd(tt.multiplier).Equal(multiplier), "multiplier %s", multiplier)
		})
	}
}

func TestDrawdown_UnwindSchedule(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, "test-portfolio")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	d, err := NewDrawdown(testDrawdownLimits(), client, nil)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2025, 3, 3, 21, 30, 0, 0, time.UTC)}
	d.SetClock(clock.Now)
	ctx := context.Background()

	// Selling cycle/remaining of what is left each day unwinds linearly.
	held := dd("100")
	var sold []string
	for day := 0; day < 5; day++ {
		a, err := d.Assess(ctx, dd("0.25"))
		require.NoError(t, err)
		require.True(t, a.Halted())
		require.NotNil(t, a.HaltedAt)
		assert.True(t, a.Multiplier.IsZero())

		q := a.UnwindQuantity(held)
		sold = append(sold, q.String())
		held = held.Sub(q)
		clock.Advance(24 * time.Hour)
	}
	assert.Equal(t, []string{"20", "20", "20", "20", "20"}, sold)
	assert.True(t, held.IsZero())

	t.Run("past the window everything goes", func(t *testing.T) {
		a, err := d.Assess(ctx, dd("0.25"))
		require.NoError(t, err)
		assert.True(t, a.UnwindFraction.Equal(decimal.NewFromInt(1)))
		assert.True(t, dd("7").Equal(a.UnwindQuantity(dd("7"))))
	})

	t.Run("recovery clears the halt", func(t *testing.T) {
		a, err := d.Assess(ctx, dd("0.12"))
		require.NoError(t, err)
		assert.Equal(t, ModeReduce, a.Mode)
		assert.True(t, a.UnwindQuantity(dd("50")).IsZero())

		_, ok, err := client.LoadHaltStart(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDrawdown_UnwindRoundsUp(t *testing.T) {
	a := Assessment{Mode: ModeHalt, UnwindFraction: dd("0.2")}
	assert.True(t, dd("1").Equal(a.UnwindQuantity(dd("3"))))
	assert.True(t, a.UnwindQuantity(decimal.Zero).IsZero())
}

func TestNewDrawdown_Validation(t *testing.T) {
	limits := testDrawdownLimits()
	limits.Reduce = dd("0.3")
	_, err := NewDrawdown(limits, nil, nil)
	assert.Error(t, err)

	limits = testDrawdownLimits()
	limits.CycleInterval = 0
	_, err = NewDrawdown(limits, nil, nil)
	assert.Error(t, err)
}
