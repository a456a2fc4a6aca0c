// Package dcontext carries request-scoped values, most importantly the
// structured logger, through the context.Context plumbing of the registry.
package dcontext

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the leveled-logging interface the registry logs against. It is
// satisfied by *logrus.Logger and *logrus.Entry.
type Logger interface {
	Print(args ...any)
	Printf(format string, args ...any)
	Println(args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	Info(args ...any)
	Infof(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)

	WithError(err error) *logrus.Entry
}

type loggerKey struct{}

var (
	defaultLoggerMu sync.RWMutex
	defaultLogger   = logrus.NewEntry(logrus.StandardLogger())
)

// SetDefaultLogger replaces the logger used when a context carries none.
func SetDefaultLogger(logger Logger) {
	entry, ok := logger.(*logrus.Entry)
	if !ok {
		return
	}

	defaultLoggerMu.Lock()
	defaultLogger = entry
	defaultLoggerMu.Unlock()
}

// WithLogger returns a context carrying the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger returns the logger stored in ctx, or the process default if
// none is set. Any extra keys are resolved against the context and added
// as log fields; keys are stringified with fmt.Sprint.
func GetLogger(ctx context.Context, keys ...any) Logger {
	return getEntry(ctx, keys...)
}

// GetLoggerWithField returns the context logger extended with a single
// field, without modifying the context.
func GetLoggerWithField(ctx context.Context, key, value any, keys ...any) Logger {
	return getEntry(ctx, keys...).WithField(fmt.Sprint(key), value)
}

func getEntry(ctx context.Context, keys ...any) *logrus.Entry {
	entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry)
	if !ok {
		defaultLoggerMu.RLock()
		entry = defaultLogger
		defaultLoggerMu.RUnlock()
	}

	if len(keys) == 0 {
		return entry
	}

	fields := logrus.Fields{}
	for _, key := range keys {
		if v := ctx.Value(key); v != nil {
			fields[fmt.Sprint(key)] = v
		}
	}

	return entry.WithFields(fields)
}
