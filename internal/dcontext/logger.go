// Package dcontext carries per-request ambient state (structured logger,
// registry host) through context.Context values.
package dcontext

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

var defaultLogger = logrus.StandardLogger().WithField("go.version", runtime.Version())

// Logger is the leveled-logging surface handlers pull out of a request
// context. It is satisfied by *logrus.Entry; declaring the interface here
// keeps callers off the concrete logrus type.
type Logger interface {
	Print(args ...any)
	Printf(format string, args ...any)
	Println(args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Fatalln(args ...any)

	Panic(args ...any)
	Panicf(format string, args ...any)
	Panicln(args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)
	Debugln(args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)
	Errorln(args ...any)

	Info(args ...any)
	Infof(format string, args ...any)
	Infoln(args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)
	Warnln(args ...any)

	WithError(err error) *logrus.Entry
}

type loggerKey struct{}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger returns the logger carried by ctx, or a process-default logger
// when none has been attached. Any extra keys are resolved against ctx and
// added as logging fields, stringified through fmt.Sprint.
func GetLogger(ctx context.Context, keys ...any) Logger {
	return getLogrusLogger(ctx, keys...)
}

// GetLoggerWithField returns ctx's logger with an extra field attached,
// without modifying the context.
func GetLoggerWithField(ctx context.Context, key, value any, keys ...any) Logger {
	return getLogrusLogger(ctx, keys...).WithField(fmt.Sprint(key), value)
}

// GetLoggerWithFields returns ctx's logger with a set of extra fields
// attached, without modifying the context.
func GetLoggerWithFields(ctx context.Context, fields map[any]any, keys ...any) Logger {
	lfields := make(logrus.Fields, len(fields))
	for key, value := range fields {
		lfields[fmt.Sprint(key)] = value
	}
	return getLogrusLogger(ctx, keys...).WithFields(lfields)
}

func getLogrusLogger(ctx context.Context, keys ...any) *logrus.Entry {
	logger, _ := ctx.Value(loggerKey{}).(*logrus.Entry)
	if logger == nil {
		logger = defaultLogger
	}

	if len(keys) == 0 {
		return logger
	}
	fields := logrus.Fields{}
	for _, key := range keys {
		if v := ctx.Value(key); v != nil {
			fields[fmt.Sprint(key)] = v
		}
	}
	return logger.WithFields(fields)
}
