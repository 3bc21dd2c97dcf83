// Package log provides category-tagged operator logging for agenttrail.
//
// All diagnostics (decode failures, poll errors, process lifecycle noise)
// flow through this package so they stay on the operator channel and never
// leak into the observable event stream.
package log

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Category tags log lines with the subsystem that produced them.
type Category string

const (
	CatRun   Category = "runtime"
	CatProc  Category = "launcher"
	CatParse Category = "decoder"
	CatPoll  Category = "poller"
	CatMerge Category = "merger"
	CatStore Category = "store"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

// Setup reconfigures the package logger with the given minimum level and
// output writer. Level strings follow zerolog conventions ("debug", "info",
// "warn", "error"); unknown strings fall back to info.
func Setup(level string, out io.Writer) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	mu.Lock()
	defer mu.Unlock()
	logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).
		Level(lvl).
		With().Timestamp().Logger()
}

// Debug logs a debug-level message with key/value pairs.
func Debug(cat Category, msg string, kv ...any) { emit(zerolog.DebugLevel, cat, msg, kv...) }

// Info logs an info-level message with key/value pairs.
func Info(cat Category, msg string, kv ...any) { emit(zerolog.InfoLevel, cat, msg, kv...) }

// Warn logs a warn-level message with key/value pairs.
func Warn(cat Category, msg string, kv ...any) { emit(zerolog.WarnLevel, cat, msg, kv...) }

// Error logs an error-level message with key/value pairs.
func Error(cat Category, msg string, kv ...any) { emit(zerolog.ErrorLevel, cat, msg, kv...) }

func emit(lvl zerolog.Level, cat Category, msg string, kv ...any) {
	mu.RLock()
	l := logger
	mu.RUnlock()

	e := l.WithLevel(lvl).Str("category", string(cat))
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}

// SafeGo runs fn in a goroutine with panic recovery. A panicking background
// loop is logged with its stack instead of crashing the whole process.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatRun, "goroutine panic",
					"goroutine", name, "panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
