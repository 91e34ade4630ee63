// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package xlog is the leveled, structured logger the rest of this module
// uses for its ambient diagnostics (spec §4.4's warning channel, §6.1's
// set_warn_fn default sink, cmd/luai's CLI output) — a single-call-site
// Logger over a handful of levels, with the caller's frame captured via
// go-stack/stack the way the wider ecosystem's log packages do it, so a
// warning about e.g. a failed finalizer still names where it was raised
// from without the caller having to thread that through by hand.
package xlog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
)

// Lvl is a log severity level, ordered least to most severe.
type Lvl int

const (
	LvlDebug Lvl = iota
	LvlInfo
	LvlWarn
	LvlError
	LvlCrit
)

func (l Lvl) String() string {
	switch l {
	case LvlDebug:
		return "DEBUG"
	case LvlInfo:
		return "INFO"
	case LvlWarn:
		return "WARN"
	case LvlError:
		return "ERROR"
	case LvlCrit:
		return "CRIT"
	default:
		return "????"
	}
}

// Record is one emitted log line: level, message, an even-length slice of
// alternating key/value context, the time it was emitted, and the call
// frame that emitted it.
type Record struct {
	Time  time.Time
	Lvl   Lvl
	Msg   string
	Ctx   []interface{}
	Call  stack.Call
}

// Handler processes one Record, e.g. by writing it to a file or discarding
// it below some threshold level.
type Handler interface {
	Log(r *Record) error
}

// Logger is the call surface every package in this module logs through.
type Logger interface {
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
}

type logger struct {
	ctx     []interface{}
	handler Handler
}

// Root is the default logger, writing to stderr at LvlInfo and above until
// reconfigured by SetHandler.
var Root Logger = &logger{handler: LvlFilterHandler(LvlInfo, StreamHandler(os.Stderr))}

// New derives a child logger from Root carrying additional context that is
// appended to every record it emits.
func New(ctx ...interface{}) Logger { return Root.New(ctx...) }

// SetHandler replaces Root's handler, e.g. to route logs to cmd/luai's
// chosen output or to silence them entirely (NewNopHandler).
func SetHandler(h Handler) {
	if l, ok := Root.(*logger); ok {
		l.handler = h
	}
}

func (l *logger) New(ctx ...interface{}) Logger {
	return &logger{ctx: append(append([]interface{}{}, l.ctx...), ctx...), handler: l.handler}
}

func (l *logger) write(lv Lvl, msg string, ctx []interface{}) {
	if l.handler == nil {
		return
	}
	r := &Record{
		Time: time.Now(),
		Lvl:  lv,
		Msg:  msg,
		Ctx:  append(append([]interface{}{}, l.ctx...), ctx...),
		Call: stack.Caller(2),
	}
	_ = l.handler.Log(r)
}

func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.write(LvlCrit, msg, ctx) }

// Debug/Info/Warn/Error/Crit on the package itself log through Root,
// mirroring the convenience top-level functions the ecosystem's log
// packages offer alongside their Logger interface.
func Debug(msg string, ctx ...interface{}) { Root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { Root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { Root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { Root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { Root.Crit(msg, ctx...) }

var mu sync.Mutex

// StreamHandler formats each Record as one line and writes it to w,
// serializing concurrent writers so interleaved goroutines don't tear a
// line in half.
func StreamHandler(w interface{ Write([]byte) (int, error) }) Handler {
	return HandlerFunc(func(r *Record) error {
		mu.Lock()
		defer mu.Unlock()
		line := formatRecord(r)
		_, err := w.Write([]byte(line))
		return err
	})
}

func formatRecord(r *Record) string {
	line := fmt.Sprintf("%s [%s] %s", r.Time.Format("15:04:05.000"), r.Lvl, r.Msg)
	for i := 0; i+1 < len(r.Ctx); i += 2 {
		line += fmt.Sprintf(" %v=%v", r.Ctx[i], r.Ctx[i+1])
	}
	line += fmt.Sprintf(" (%+n %v)", r.Call, r.Call)
	return line + "\n"
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(r *Record) error

func (f HandlerFunc) Log(r *Record) error { return f(r) }

// LvlFilterHandler wraps h, dropping any Record below minLvl.
func LvlFilterHandler(minLvl Lvl, h Handler) Handler {
	return HandlerFunc(func(r *Record) error {
		if r.Lvl < minLvl {
			return nil
		}
		return h.Log(r)
	})
}

// NopHandler discards every Record.
func NopHandler() Handler {
	return HandlerFunc(func(*Record) error { return nil })
}
