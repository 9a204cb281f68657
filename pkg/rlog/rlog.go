package rlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

const flags = log.Ldate | log.Ltime | log.Lmsgprefix

var (
	debug = log.New(io.Discard, "[DBG] ", flags)
	info  = log.New(os.Stderr, "[INF] ", flags)
	warn  = log.New(os.Stderr, "[WRN] ", flags)
	err   = log.New(os.Stderr, "[ERR] ", flags)
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	switch v := Level(strings.ToLower(string(text))); v {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		*l = v
		return nil
	default:
		return fmt.Errorf("invalid log level %q, valid values: debug, info, warn, error", text)
	}
}

// SetLevel enables loggers with the passed level and all levels above it.
// Unknown levels are treated as [LevelInfo].
func SetLevel(level Level) {
	debug.SetOutput(io.Discard)
	info.SetOutput(io.Discard)
	warn.SetOutput(io.Discard)
	err.SetOutput(os.Stderr)

	switch level {
	case LevelDebug:
		debug.SetOutput(os.Stderr)
		fallthrough
	case LevelInfo:
		info.SetOutput(os.Stderr)
		fallthrough
	case LevelWarn:
		warn.SetOutput(os.Stderr)
	case LevelError:
	default:
		info.SetOutput(os.Stderr)
		warn.SetOutput(os.Stderr)
	}
}

func Debug(v ...any)                 { debug.Println(v...) }
func Debugf(format string, v ...any) { debug.Printf(format, v...) }

func Info(v ...any)                 { info.Println(v...) }
func Infof(format string, v ...any) { info.Printf(format, v...) }

func Warn(v ...any)                 { warn.Println(v...) }
func Warnf(format string, v ...any) { warn.Printf(format, v...) }

func Error(v ...any)                 { err.Println(v...) }
func Errorf(format string, v ...any) { err.Printf(format, v...) }
