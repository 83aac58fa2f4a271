// Package henlog provides a simple leveled logger for the server process.
//
// Time/date are not logged on purpose; supervisors (systemd, docker) already
// stamp their own. Uses the systemd-style numeric prefixes described at
// https://www.freedesktop.org/software/systemd/man/sd-daemon.html so journald
// picks up levels without a separate syslog facility.
package henlog

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
)

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrorWriter io.Writer = os.Stderr
)

var (
	DebugPrefix = "<7>[DEBUG]"
	InfoPrefix  = "<6>[INFO]"
	WarnPrefix  = "<4>[WARN]"
	ErrPrefix   = "<3>[ERROR]"
	FatalPrefix = "<2>[FATAL]"
)

// Init applies a log level name ("debug", "info", "warn", "err"/"fatal"),
// discarding writers below the requested level. Call once at
// startup; the zero value (no Init call) logs everything.
func Init(loglevel string) {
	switch loglevel {
	case "", "debug":
		// nothing to discard
	case "info":
		DebugWriter = io.Discard
	case "warn":
		DebugWriter = io.Discard
		InfoWriter = io.Discard
	case "err", "fatal":
		DebugWriter = io.Discard
		InfoWriter = io.Discard
		WarnWriter = io.Discard
	default:
		Warnf("log level has invalid value %q, ignoring", loglevel)
	}
}

func Debug(v ...any) {
	if DebugWriter != io.Discard {
		fmt.Fprintln(DebugWriter, append([]any{DebugPrefix}, v...)...)
	}
}

func Debugf(format string, v ...any) {
	if DebugWriter != io.Discard {
		fmt.Fprintf(DebugWriter, DebugPrefix+" "+format+"\n", v...)
	}
}

func Info(v ...any) {
	if InfoWriter != io.Discard {
		fmt.Fprintln(InfoWriter, append([]any{InfoPrefix}, v...)...)
	}
}

func Infof(format string, v ...any) {
	if InfoWriter != io.Discard {
		fmt.Fprintf(InfoWriter, InfoPrefix+" "+format+"\n", v...)
	}
}

func Warn(v ...any) {
	if WarnWriter != io.Discard {
		fmt.Fprintln(WarnWriter, append([]any{WarnPrefix}, v...)...)
	}
}

func Warnf(format string, v ...any) {
	if WarnWriter != io.Discard {
		fmt.Fprintf(WarnWriter, WarnPrefix+" "+format+"\n", v...)
	}
}

func Error(v ...any) {
	if ErrorWriter != io.Discard {
		fmt.Fprintln(ErrorWriter, append([]any{ErrPrefix}, v...)...)
	}
}

func Errorf(format string, v ...any) {
	if ErrorWriter != io.Discard {
		fmt.Fprintf(ErrorWriter, ErrPrefix+" "+format+"\n", v...)
	}
}

// Fatal logs the message with a stack trace and exits the process with
// status 1. Used for precondition violations and other fatal startup
// errors; not used for per-request failures, which are logged with Error
// and recovered from instead.
func Fatal(v ...any) {
	fmt.Fprintln(ErrorWriter, append([]any{FatalPrefix}, v...)...)
	fmt.Fprintln(ErrorWriter, string(debug.Stack()))
	os.Exit(1)
}

func Fatalf(format string, v ...any) {
	fmt.Fprintf(ErrorWriter, FatalPrefix+" "+format+"\n", v...)
	fmt.Fprintln(ErrorWriter, string(debug.Stack()))
	os.Exit(1)
}
