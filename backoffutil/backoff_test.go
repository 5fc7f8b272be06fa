package backoffutil_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphops/tap-agent/backoffutil"
)

func TestDelayGrowsExponentially(t *testing.T) {
	require.Equal(t, 100*time.Millisecond, backoffutil.Delay(0))
	require.Equal(t, 200*time.Millisecond, backoffutil.Delay(1))
	require.Equal(t, 400*time.Millisecond, backoffutil.Delay(2))
}

func TestDelayCapsAtMax(t *testing.T) {
	require.Equal(t, backoffutil.Max, backoffutil.Delay(20))
	require.Equal(t, backoffutil.Max, backoffutil.Delay(32))
	require.Equal(t, backoffutil.Max, backoffutil.Delay(33))
}
