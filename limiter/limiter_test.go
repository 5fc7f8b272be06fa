package limiter_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphops/tap-agent/limiter"
)

func TestNewStartsAtCapacityOne(t *testing.T) {
	l := limiter.New()
	require.Equal(t, 1, l.Capacity())
	require.True(t, l.HasLimit())
	require.Equal(t, 0, l.InFlight())
}

func TestAcquireExhaustsCapacity(t *testing.T) {
	l := limiter.New()
	require.True(t, l.Acquire())
	require.False(t, l.HasLimit())
	require.False(t, l.Acquire())
	require.Equal(t, 1, l.InFlight())
}

func TestOnSuccessGrowsCapacityAdditively(t *testing.T) {
	l := limiter.New()
	l.Acquire()
	l.OnSuccess()
	require.Equal(t, 2, l.Capacity())
	require.True(t, l.HasLimit())
}

func TestOnFailureHalvesCapacity(t *testing.T) {
	l := limiter.New()
	for i := 0; i < 4; i++ {
		l.Acquire()
		l.OnSuccess()
	}
	require.Equal(t, 5, l.Capacity())

	l.Acquire()
	l.OnFailure()
	require.Equal(t, 2, l.Capacity())
}

func TestOnFailureFloorsAtMinCapacity(t *testing.T) {
	l := limiter.New()
	l.Acquire()
	l.OnFailure()
	require.Equal(t, 1, l.Capacity())
	l.Acquire()
	l.OnFailure()
	require.Equal(t, 1, l.Capacity())
}

func TestCapacityNeverExceedsMax(t *testing.T) {
	l := limiter.New()
	for i := 0; i < 200; i++ {
		l.Acquire()
		l.OnSuccess()
	}
	require.Equal(t, 50, l.Capacity())
}

func TestAvailableNeverExceedsCapacityAfterShrink(t *testing.T) {
	l := limiter.New()
	for i := 0; i < 4; i++ {
		l.Acquire()
		l.OnSuccess()
	}
	// capacity 5, available 1, no in-flight acquire pending before this call
	l.OnFailure()
	require.Equal(t, 2, l.Capacity())
	require.Equal(t, 0, l.InFlight())
}
