// Package logctx provides the structured logger embedded as a value in
// every long-lived component, mirroring the teacher's framework/log.Logger
// field convention (see internal/target/remote.Target.Log, PqPubSub.Log,
// UnixSockPipe.Log).
package logctx

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	baseOnce sync.Once
	base     *zap.Logger
)

func rootLogger() *zap.Logger {
	baseOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stderr"}
		// Debug entries pass the level filter; only DebugMsg emits them,
		// and only for a Logger with Debug set.
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		l, err := cfg.Build()
		if err != nil {
			// Fall back to a no-op logger rather than leaving base nil.
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// Logger is a cheap, copyable struct embedded by value in components that
// need to log, matching the teacher's `Log log.Logger` field idiom.
type Logger struct {
	Name  string
	Debug bool
}

func (l Logger) sugar() *zap.SugaredLogger {
	return rootLogger().Sugar().With("component", l.Name)
}

// Msg logs an informational message with optional key/value pairs, e.g.
// Msg("delivered", "mailbox", name, "uid", uid).
func (l Logger) Msg(msg string, fields ...interface{}) {
	l.sugar().Infow(msg, fields...)
}

// DebugMsg logs only when Debug is set, matching cfg.Bool("debug", ..., &rt.Log.Debug).
func (l Logger) DebugMsg(msg string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	l.sugar().Debugw(msg, fields...)
}

// Error logs msg with the wrapped error and optional fields.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	fields = append([]interface{}{"error", err}, fields...)
	l.sugar().Errorw(msg, fields...)
}

// Sync flushes any buffered log entries; call before process exit.
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}

func init() {
	if os.Getenv("CYRUSGO_LOG_DEV") == "1" {
		baseOnce.Do(func() {
			l, err := zap.NewDevelopment()
			if err != nil {
				l = zap.NewNop()
			}
			base = l
		})
	}
}
