package logutil_test

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"

	"github.com/graphops/tap-agent/logutil"
)

func TestNewSubsystemLoggerAppliesLevel(t *testing.T) {
	l := logutil.NewSubsystemLogger("TEST", btclog.LevelDebug)
	require.Equal(t, btclog.LevelDebug, l.Level())
}

func TestSetLevelAdjustsAnExistingLogger(t *testing.T) {
	l := logutil.NewSubsystemLogger("TEST2", btclog.LevelInfo)
	require.Equal(t, btclog.LevelInfo, l.Level())

	logutil.SetLevel(l, btclog.LevelWarn)
	require.Equal(t, btclog.LevelWarn, l.Level())
}

func TestDisabledLoggerNeverPanics(t *testing.T) {
	require.NotPanics(t, func() {
		logutil.Disabled.Infof("anything %s", "goes")
		logutil.Disabled.Errorf("anything %s", "goes")
	})
	require.Equal(t, btclog.LevelOff, logutil.Disabled.Level())
}
