package watcher_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphops/tap-agent/watcher"
)

func TestNewBlocksUntilFirstPollSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := watcher.New(ctx, time.Hour, func(ctx context.Context) (int, error) {
		return 42, nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 42, s.Current())
}

func TestNewReturnsErrorFromFirstPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := watcher.New(ctx, time.Hour, func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	}, nil)
	require.Error(t, err)
}

func TestSnapshotPublishesUpdatesAndNotifies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var counter int64
	s, err := watcher.New(ctx, 10*time.Millisecond, func(ctx context.Context) (int64, error) {
		return atomic.AddInt64(&counter, 1), nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), s.Current())

	ch, unsub := s.Changes()
	defer unsub()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change notification")
	}
	require.Greater(t, s.Current(), int64(1))
}

func TestSnapshotCallsOnErrorAndKeepsPriorValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int64
	var errCount int64
	s, err := watcher.New(ctx, 10*time.Millisecond, func(ctx context.Context) (int, error) {
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			return 7, nil
		}
		return 0, errors.New("poll failed")
	}, func(err error) {
		atomic.AddInt64(&errCount, 1)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&errCount) > 0
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 7, s.Current())
}

func TestChangesCancelStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := watcher.New(ctx, time.Hour, func(ctx context.Context) (int, error) {
		return 1, nil
	}, nil)
	require.NoError(t, err)

	_, unsub := s.Changes()
	unsub()
	// no assertion beyond not panicking/deadlocking on repeated cancel
	unsub()
}
