// Package gb403log provides the structured console logger shared by every
// package in this module. It is a thin, chainable wrapper around pterm.
package gb403log

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/pterm/pterm"
)

type Logger struct {
	mu    sync.Mutex
	debug bool
}

var DefaultLogger *Logger

func init() {
	DefaultLogger = &Logger{}

	safeWriter := NewSafeWriter(os.Stdout)
	pterm.Info = *pterm.Info.WithWriter(safeWriter)
	pterm.Debug = *pterm.Debug.WithWriter(safeWriter)
	pterm.Error = *pterm.Error.WithWriter(safeWriter)
	pterm.Warning = *pterm.Warning.WithWriter(safeWriter)
}

// SafeWriter serializes concurrent writers onto one underlying io.Writer.
type SafeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSafeWriter(w io.Writer) *SafeWriter {
	return &SafeWriter{w: w}
}

func (sw *SafeWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !bytes.HasSuffix(p, []byte("\n")) {
		p = append(append([]byte{}, p...), '\n')
	}
	return sw.w.Write(p)
}

type Event struct {
	logger  *Logger
	printer pterm.PrefixPrinter
	slot    string
	module  string
	fields  map[string]string
}

func (l *Logger) newEvent(printer pterm.PrefixPrinter) *Event {
	return &Event{logger: l, printer: printer, fields: make(map[string]string)}
}

func Info() *Event    { return DefaultLogger.newEvent(pterm.Info) }
func Warning() *Event { return DefaultLogger.newEvent(pterm.Warning) }
func Error() *Event   { return DefaultLogger.newEvent(pterm.Error) }

func Debug() *Event {
	if !DefaultLogger.IsDebugEnabled() {
		return nil
	}
	return DefaultLogger.newEvent(pterm.Debug)
}

func (e *Event) Slot(id string) *Event {
	if e == nil {
		return nil
	}
	e.slot = id
	return e
}

func (e *Event) Module(name string) *Event {
	if e == nil {
		return nil
	}
	e.module = name
	return e
}

func (e *Event) Field(key, value string) *Event {
	if e == nil {
		return nil
	}
	e.fields[key] = value
	return e
}

func (e *Event) Msgf(format string, args ...any) {
	if e == nil {
		return
	}

	e.logger.mu.Lock()
	defer e.logger.mu.Unlock()

	var prefix string
	if e.slot != "" {
		prefix += pterm.FgCyan.Sprintf("[%s] ", e.slot)
	}
	if e.module != "" {
		prefix += pterm.FgYellow.Sprintf("[%s] ", e.module)
	}

	var suffix string
	for k, v := range e.fields {
		suffix += " " + pterm.Bold.Sprint(k) + "=" + v
	}

	e.printer.Printfln(prefix+format+suffix, args...)
}

func (l *Logger) EnableDebug() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = true
}

func (l *Logger) IsDebugEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debug
}

func EnableDebug()       { DefaultLogger.EnableDebug() }
func IsDebugEnabled() bool { return DefaultLogger.IsDebugEnabled() }
