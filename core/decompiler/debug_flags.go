package decompiler

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
)

// debugLogs switches on the tracing of every pipeline stage. Programs may
// be decompiled from several goroutines, hence the atomic.
var debugLogs atomic.Bool

func init() {
	switch strings.ToLower(os.Getenv("DECOMPILER_DEBUG")) {
	case "1", "true":
		debugLogs.Store(true)
	}
}

// EnableDebugLogs toggles the decompiler debug logs.
func EnableDebugLogs(on bool) { debugLogs.Store(on) }

// DebugLogsEnabled reports whether stage tracing is on.
func DebugLogsEnabled() bool { return debugLogs.Load() }

// DebugWarn emits a warning only if debug logging is enabled.
func DebugWarn(msg string, ctx ...interface{}) {
	if debugLogs.Load() {
		log.Warn(msg, ctx...)
	}
}

// DebugInfo emits info only if debug logging is enabled.
func DebugInfo(msg string, ctx ...interface{}) {
	if debugLogs.Load() {
		log.Info(msg, ctx...)
	}
}

// DebugError emits an error only if debug logging is enabled.
func DebugError(msg string, ctx ...interface{}) {
	if debugLogs.Load() {
		log.Error(msg, ctx...)
	}
}
