// Package mlog provides the process-wide structured logger.
package mlog

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var defaultLogger atomic.Pointer[zap.Logger]

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	defaultLogger.Store(l)
}

// Log returns the current process logger. Safe for concurrent use.
func Log() *zap.Logger {
	return defaultLogger.Load()
}

// SetDevelopment swaps in a human-readable console logger, used by the
// main entry point when MPROXY_LOG_FORMAT=console.
func SetDevelopment() error {
	l, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defaultLogger.Store(l)
	return nil
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	_ = defaultLogger.Load().Sync()
}
