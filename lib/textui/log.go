// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package textui holds the bits of the CLI's presentation layer that
// are shared between subcommands: a compact dlog backend and the
// --verbosity flag type.
package textui

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/pflag"
)

type LogLevelFlag struct {
	Level dlog.LogLevel
}

var _ pflag.Value = (*LogLevelFlag)(nil)

// Type implements pflag.Value.
func (lvl *LogLevelFlag) Type() string { return "loglevel" }

// Set implements pflag.Value.
func (lvl *LogLevelFlag) Set(str string) error {
	switch strings.ToLower(str) {
	case "error":
		lvl.Level = dlog.LogLevelError
	case "warn", "warning":
		lvl.Level = dlog.LogLevelWarn
	case "info":
		lvl.Level = dlog.LogLevelInfo
	case "debug":
		lvl.Level = dlog.LogLevelDebug
	case "trace":
		lvl.Level = dlog.LogLevelTrace
	default:
		return fmt.Errorf("invalid log level: %q", str)
	}
	return nil
}

// String implements pflag.Value.
func (lvl *LogLevelFlag) String() string {
	switch lvl.Level {
	case dlog.LogLevelError:
		return "error"
	case dlog.LogLevelWarn:
		return "warn"
	case dlog.LogLevelInfo:
		return "info"
	case dlog.LogLevelDebug:
		return "debug"
	case dlog.LogLevelTrace:
		return "trace"
	default:
		return fmt.Sprintf("%d", lvl.Level)
	}
}

type logger struct {
	out    io.Writer
	lvl    dlog.LogLevel
	fields map[string]any
}

var _ dlog.Logger = (*logger)(nil)

// NewLogger returns a dlog backend that writes one "LVL : msg : k=v"
// line per message.
func NewLogger(out io.Writer, lvl dlog.LogLevel) dlog.Logger {
	return &logger{out: out, lvl: lvl}
}

// Helper implements dlog.Logger.
func (l *logger) Helper() {}

// WithField implements dlog.Logger.
func (l *logger) WithField(key string, value any) dlog.Logger {
	fields := make(map[string]any, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &logger{out: l.out, lvl: l.lvl, fields: fields}
}

type logWriter struct {
	log *logger
	lvl dlog.LogLevel
}

// Write implements io.Writer.
func (lw logWriter) Write(data []byte) (int, error) {
	lw.log.Log(lw.lvl, strings.TrimSuffix(string(data), "\n"))
	return len(data), nil
}

// StdLogger implements dlog.Logger.
func (l *logger) StdLogger(lvl dlog.LogLevel) *log.Logger {
	return log.New(logWriter{log: l, lvl: lvl}, "", 0)
}

var logMu sync.Mutex

// Log implements dlog.Logger.
func (l *logger) Log(lvl dlog.LogLevel, msg string) {
	if lvl > l.lvl {
		return
	}
	var line strings.Builder
	line.WriteString(levelName(lvl))
	line.WriteString(" : ")
	line.WriteString(msg)
	if len(l.fields) > 0 {
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&line, " : %s=%v", k, l.fields[k])
		}
	}
	line.WriteString("\n")
	logMu.Lock()
	defer logMu.Unlock()
	_, _ = io.WriteString(l.out, line.String())
}

func levelName(lvl dlog.LogLevel) string {
	switch lvl {
	case dlog.LogLevelError:
		return "ERR"
	case dlog.LogLevelWarn:
		return "WRN"
	case dlog.LogLevelInfo:
		return "INF"
	case dlog.LogLevelDebug:
		return "DBG"
	case dlog.LogLevelTrace:
		return "TRC"
	default:
		return fmt.Sprintf("%d", lvl)
	}
}
