// Package mlog provides logging with log levels and fields, on top of
// log/slog.
//
// Each log level has a function to log with and without error. Variable data
// should be in fields. Logging strings themselves should be constant, for
// easier log processing (e.g. building metrics based on log messages).
//
// The log levels can be configured per originating package, e.g. dnsbl,
// monitor. The configuration is application-global, so each Log instance uses
// the same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Logfmt enables logfmt-style output instead of the default human-readable
// lines.
var Logfmt bool

const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelError slog.Level = slog.LevelError
	LevelPrint slog.Level = slog.LevelError + 4 // Printed regardless of configured log level.
	LevelFatal slog.Level = slog.LevelError + 8 // Printed regardless of configured log level, then exit.
)

// Levels maps the configuration strings to log levels.
var Levels = map[string]slog.Level{
	"trace": LevelTrace,
	"debug": LevelDebug,
	"info":  LevelInfo,
	"error": LevelError,
	"print": LevelPrint,
	"fatal": LevelFatal,
}

// LevelStrings maps log levels back to their configuration strings.
var LevelStrings = map[slog.Level]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelError: "error",
	LevelPrint: "print",
	LevelFatal: "fatal",
}

func levelString(l slog.Level) string {
	if s, ok := LevelStrings[l]; ok {
		return s
	}
	return l.String()
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a
// minimum log level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log wraps a *slog.Logger with convenience functions that take an error.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds field "pkg" to each logged line. If elog is
// nil, a logger writing to stderr with the globally configured levels is
// used.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(&handler{})
	}
	return Log{elog.With(slog.String("pkg", pkg))}
}

// WithCid adds a field "cid" for the operation.
func (l Log) WithCid(cid int64) Log {
	return Log{l.Logger.With(slog.Int64("cid", cid))}
}

// WithContext adds cid from context, if present. Contexts are passed to
// functions, especially between packages, to pass a "cid" for an operation.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// WithPkg adds a field "pkg", also used for log level configuration.
func (l Log) WithPkg(pkg string) Log {
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.logx(LevelDebug, nil, msg, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.logx(LevelInfo, nil, msg, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.logx(LevelError, nil, msg, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, err, msg, attrs...)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.logx(LevelPrint, nil, msg, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelPrint, err, msg, attrs...)
}

// Check logs an error if err is not nil.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Fatalx logs and stops the program.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// handler writes lines to stderr, filtering on the globally configured level
// for the handler's pkg.
type handler struct {
	pkg   string
	attrs []slog.Attr
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelPrint {
		return true
	}
	c := config.Load().(map[string]slog.Level)
	v, ok := c[h.pkg]
	if !ok {
		v = c[""]
	}
	return level >= v
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	// We build up a buffer so we can do a single write, otherwise partial log
	// lines may interleave.
	var b strings.Builder
	if Logfmt {
		fmt.Fprintf(&b, "l=%s m=%s", levelString(r.Level), logfmtValue(r.Message))
		for _, a := range attrs {
			fmt.Fprintf(&b, " %s=%s", a.Key, logfmtValue(a.Value.String()))
		}
	} else {
		fmt.Fprintf(&b, "%s: %s", levelString(r.Level), logfmtValue(r.Message))
		for i, a := range attrs {
			if i == 0 {
				b.WriteString(" (")
			} else {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s: %s", a.Key, logfmtValue(a.Value.String()))
		}
		if len(attrs) > 0 {
			b.WriteString(")")
		}
	}
	b.WriteString("\n")
	os.Stderr.WriteString(b.String())
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := handler{h.pkg, make([]slog.Attr, 0, len(h.attrs)+len(attrs))}
	nh.attrs = append(nh.attrs, h.attrs...)
	for _, a := range attrs {
		a.Value = a.Value.Resolve()
		if a.Key == "pkg" {
			nh.pkg = a.Value.String()
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	// Groups are not used in this code base.
	return h
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}
