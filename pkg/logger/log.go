// Package logger provides the named, leveled logging used throughout
// Meltforge. Each service obtains a logger via Get, and all output is
// funnelled through a single manager so listeners (tests, alternative
// front ends) can intercept emissions instead of reading stderr.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type LogStatus int

const (
	VERBOSE LogStatus = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

func (e LogStatus) String() string {
	return []string{
		"V",
		"D",
		"I",
		"✓",
		"+",
		"-",
		"X",
		"!",
		"!!",
		"PANIC",
	}[e]
}

func (e LogStatus) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                // Verbose
		color.New(color.FgWhite, color.Italic),                // Debug
		color.New(color.FgWhite),                              // Info
		color.New(color.FgHiGreen),                            // Success
		color.New(color.FgGreen, color.Italic),                // New
		color.New(color.FgYellow, color.Italic),               // Remove
		color.New(color.FgHiYellow),                           // Stop
		color.New(color.FgYellow, color.Underline),            // Warning
		color.New(color.FgHiRed, color.Bold),                  // Error
		color.New(color.FgHiRed, color.Bold, color.Underline), // Panic
	}[e]
}

// LogListener receives every emission at or above the minimum status it
// was attached with. When at least one listener is attached, emissions
// are no longer printed to stderr.
type LogListener func(LogStatus, string)

// Logger is a named handle on to the process-wide logger manager.
type Logger interface {
	Emit(LogStatus, string, ...interface{})

	Verbosef(string, ...interface{})
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
	Fatalf(string, ...interface{})

	// Printf emits at INFO; it exists to satisfy third-party logging
	// interfaces (e.g. goose) that expect a Printf-shaped logger.
	Printf(string, ...interface{})
}

type loggerImpl struct {
	name string
}

func (l *loggerImpl) Emit(status LogStatus, message string, interpolations ...interface{}) {
	Log.Emit(status, l.name, message, interpolations...)
}

func (l *loggerImpl) Verbosef(message string, v ...interface{}) { l.Emit(VERBOSE, message, v...) }
func (l *loggerImpl) Debugf(message string, v ...interface{})   { l.Emit(DEBUG, message, v...) }
func (l *loggerImpl) Infof(message string, v ...interface{})    { l.Emit(INFO, message, v...) }
func (l *loggerImpl) Warnf(message string, v ...interface{})    { l.Emit(WARNING, message, v...) }
func (l *loggerImpl) Errorf(message string, v ...interface{})   { l.Emit(ERROR, message, v...) }
func (l *loggerImpl) Printf(message string, v ...interface{})   { l.Emit(INFO, message, v...) }

func (l *loggerImpl) Fatalf(message string, v ...interface{}) {
	l.Emit(FATAL, message, v...)
	os.Exit(1)
}

type LoggerManager interface {
	GetLogger(string) Logger
	SetMinStatus(LogStatus)
	AttachListener(LogListener, LogStatus)
	Emit(LogStatus, string, string, ...interface{})
}

var Log LoggerManager = &loggerMgr{minStatus: INFO}

type loggerMgr struct {
	mu        sync.Mutex
	offset    int
	minStatus LogStatus
	listeners []struct {
		status   LogStatus
		listener LogListener
	}
}

func (l *loggerMgr) GetLogger(name string) Logger {
	return &loggerImpl{name: name}
}

// SetMinStatus adjusts the minimum status required for an emission to be
// printed. Listeners are unaffected; they filter on their own status.
func (l *loggerMgr) SetMinStatus(status LogStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minStatus = status
}

func (l *loggerMgr) AttachListener(listener LogListener, minimumStatus LogStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, struct {
		status   LogStatus
		listener LogListener
	}{status: minimumStatus, listener: listener})
}

func (l *loggerMgr) Emit(status LogStatus, name string, message string, interpolations ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(name) > l.offset {
		l.offset = len(name)
	}

	padding := strings.Repeat(" ", l.offset-len(name))
	msg := fmt.Sprintf("[%s] %s(%s) %s", name, padding, status, fmt.Sprintf(message, interpolations...))

	if len(l.listeners) == 0 {
		if status >= l.minStatus {
			status.Color().Fprint(os.Stderr, msg)
		}
		return
	}

	for _, lst := range l.listeners {
		if status >= lst.status {
			lst.listener(status, msg)
		}
	}
}

// Get returns a named logger backed by the process-wide manager.
func Get(name string) Logger {
	return Log.GetLogger(name)
}
