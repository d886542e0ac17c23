// Package obs provides the broker's structured logging facade: a thin
// wrapper over go-logr/logr so every package logs key-value pairs
// (broker id, tenant id, topic) instead of formatted strings.
package obs

import (
	"log"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Logger is the logr.Logger interface directly; the alias exists so
// callers depend on obs rather than go-logr directly for the root logger
// construction.
type Logger = logr.Logger

// NewLogger returns a logr.Logger backed by the standard library's log
// package, named after component. verbosity follows logr's convention:
// 0 is info, higher numbers are progressively more verbose debug levels.
func NewLogger(component string, verbosity int) Logger {
	stdr.SetVerbosity(verbosity)
	return stdr.New(log.Default()).WithName(component)
}

// Discard returns a Logger that drops everything, for callers that have
// not wired a real logger yet (tests, early startup before config load).
func Discard() Logger {
	return logr.Discard()
}
