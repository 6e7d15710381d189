// Package logging centralizes the structured loggers used by the
// storage engine's ambient stack (buffer pool evictions, WAL flushes).
package logging

import "go.uber.org/zap"

// New returns a development-style zap logger, named for the component
// that will use it (e.g. "database", "buffer", "logmgr").
func New(component string) *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Named(component)
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
