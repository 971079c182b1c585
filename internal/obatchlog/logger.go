/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

// Package obatchlog is the logging façade used throughout the batch reader:
// a package-level level switch plus a pair of slog loggers, so call sites
// stay cheap (isEnabled gates formatting) regardless of which handler is
// attached.
package obatchlog

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// TLogLevel s.e.
type TLogLevel int32

// Log Levels enum
const (
	LogLevelNone = TLogLevel(iota)
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelVerbose // aka Debug
	LogLevelTrace
)

var currentLevel int32 = int32(LogLevelInfo)

func SetLogLevel(logLevel TLogLevel) (old TLogLevel) {
	return TLogLevel(atomic.SwapInt32(&currentLevel, int32(logLevel)))
}

func SetLogLevelWithRestore(logLevel TLogLevel) (restore func()) {
	old := SetLogLevel(logLevel)
	return func() {
		SetLogLevel(old)
	}
}

func isEnabled(level TLogLevel) bool {
	return level != LogLevelNone && TLogLevel(atomic.LoadInt32(&currentLevel)) >= level
}

func Error(args ...interface{}) { printIfLevel(1, LogLevelError, args...) }

func Warning(args ...interface{}) { printIfLevel(1, LogLevelWarning, args...) }

func Info(args ...interface{}) { printIfLevel(1, LogLevelInfo, args...) }

func Verbose(args ...interface{}) { printIfLevel(1, LogLevelVerbose, args...) }

func Trace(args ...interface{}) { printIfLevel(1, LogLevelTrace, args...) }

func Log(skipStackFrames int, level TLogLevel, args ...interface{}) {
	printIfLevel(skipStackFrames+1, level, args...)
}

func IsError() bool   { return isEnabled(LogLevelError) }
func IsInfo() bool    { return isEnabled(LogLevelInfo) }
func IsWarning() bool { return isEnabled(LogLevelWarning) }
func IsVerbose() bool { return isEnabled(LogLevelVerbose) }
func IsTrace() bool   { return isEnabled(LogLevelTrace) }

func printIfLevel(skipStackFrames int, level TLogLevel, args ...interface{}) {
	if !isEnabled(level) {
		return
	}
	fn, line := getFuncName(skipStackFrames + 1)
	msg := fmt.Sprint(args...)
	out := slogOut
	if level == LogLevelError {
		out = slogErr
	}
	out.Info(msg, "src", fmt.Sprintf("%s:%d", fn, line), "level", levelName(level))
}

func levelName(level TLogLevel) string {
	switch level {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelInfo:
		return "INFO"
	case LogLevelVerbose:
		return "VERBOSE"
	case LogLevelTrace:
		return "TRACE"
	default:
		return "NONE"
	}
}

func getFuncName(skipFrames int) (name string, line int) {
	pc, _, l, ok := runtime.Caller(skipFrames + 1)
	if !ok {
		return "?", 0
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "?", l
	}
	return fn.Name(), l
}
