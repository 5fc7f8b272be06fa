// Package logutil wires up the per-subsystem loggers every other package
// in this module declares, following the teacher's convention (see
// contractcourt, htlcswitch) of a package-level `log` backed by btclog and
// installed through each package's UseLogger.
package logutil

import (
	"os"

	"github.com/btcsuite/btclog"
)

// Backend is the shared log backend every subsystem logger is carved out
// of, writing to stdout by default.
var Backend = btclog.NewBackend(os.Stdout)

// Logger is the common interface subsystem packages store in their
// package-level `log` var.
type Logger = btclog.Logger

// Disabled is a no-op logger, the default value before a subsystem's
// UseLogger is called (mirrors btclog.Disabled).
var Disabled = btclog.Disabled

// NewSubsystemLogger returns a Logger tagged with the given subsystem name
// (e.g. "ALOC", "SNDR", "ACCT") at the given level.
func NewSubsystemLogger(tag string, level btclog.Level) Logger {
	l := Backend.Logger(tag)
	l.SetLevel(level)
	return l
}

// SetLevel adjusts level on an already-constructed logger.
func SetLevel(l Logger, level btclog.Level) {
	l.SetLevel(level)
}
