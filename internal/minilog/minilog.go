// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

// minilog extends Go's logging functionality to allow for multiple loggers,
// each with their own logging level. Call AddLogger to register a logger,
// then use the package-level logging functions to send messages to every
// registered logger that is willing to log at that level.
package minilog

import (
	"fmt"
	golog "log"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	colorOff   = "\x1b[0m"
	colorBlue  = "\x1b[34m"
	colorGreen = "\x1b[32m"
	colorRed   = "\x1b[31m"
	colorGray  = "\x1b[90m"
)

type minilogger struct {
	*golog.Logger
	Level Level
	Color bool
}

func (l *minilogger) log(level Level, component, format string, arg ...interface{}) {
	msg := fmt.Sprintf(format, arg...)
	l.emit(level, component, msg)
}

func (l *minilogger) logln(level Level, component string, arg ...interface{}) {
	msg := fmt.Sprintln(arg...)
	l.emit(level, component, msg)
}

func (l *minilogger) emit(level Level, component, msg string) {
	tag := level.String()
	if l.Color {
		switch level {
		case DEBUG:
			tag = colorGray + tag + colorOff
		case INFO:
			tag = colorGreen + tag + colorOff
		case WARN:
			tag = colorBlue + tag + colorOff
		case ERROR, FATAL:
			tag = colorRed + tag + colorOff
		}
	}
	if component != "" {
		l.Logger.Printf("[%s] %s: %s", tag, component, msg)
		return
	}
	l.Logger.Printf("[%s] %s", tag, msg)
}

var (
	loggers = make(map[string]*minilogger)
	logLock sync.RWMutex
)

// AddLogger registers a logger that only emits events at level or higher.
func AddLogger(name string, output io.Writer, level Level, color bool) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &minilogger{
		Logger: golog.New(output, "", golog.LstdFlags|golog.Lmicroseconds),
		Level:  level,
		Color:  color,
	}
}

// DelLogger removes a named logger previously added with AddLogger.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()

	delete(loggers, name)
}

func Loggers() []string {
	logLock.RLock()
	defer logLock.RUnlock()

	var ret []string
	for k := range loggers {
		ret = append(ret, k)
	}
	return ret
}

// WillLog returns true if logging at level would result in any logger
// actually emitting. Useful when the message itself is expensive to build.
func WillLog(level Level) bool {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, v := range loggers {
		if v.Level <= level {
			return true
		}
	}
	return false
}

// SetLevel changes the log level for a named logger.
func SetLevel(name string, level Level) error {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return fmt.Errorf("logger does not exist: %v", name)
	}
	loggers[name].Level = level
	return nil
}

// Init wires up the stderr and optional file loggers for a delegator or
// client process from already-parsed configuration.
func Init(level Level, logfile string, verbose bool) error {
	color := runtime.GOOS != "windows"

	if verbose {
		AddLogger("stderr", os.Stderr, level, color)
	}

	if logfile != "" {
		if err := os.MkdirAll(filepath.Dir(logfile), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(logfile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0660)
		if err != nil {
			return err
		}
		AddLogger("file", f, level, false)
	}

	return nil
}

func log(level Level, component, format string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, logger := range loggers {
		if logger.Level <= level {
			logger.log(level, component, format, arg...)
		}
	}
}

func logln(level Level, component string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, logger := range loggers {
		if logger.Level <= level {
			logger.logln(level, component, arg...)
		}
	}
}

func Debug(format string, arg ...interface{}) { log(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { log(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { log(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { log(ERROR, "", format, arg...) }

func Fatal(format string, arg ...interface{}) {
	log(FATAL, "", format, arg...)
	os.Exit(1)
}

func Debugln(arg ...interface{}) { logln(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { logln(INFO, "", arg...) }
func Warnln(arg ...interface{})  { logln(WARN, "", arg...) }
func Errorln(arg ...interface{}) { logln(ERROR, "", arg...) }

func Fatalln(arg ...interface{}) {
	logln(FATAL, "", arg...)
	os.Exit(1)
}

// Component returns a logger facade that tags every message with a fixed
// component name, e.g. "segtree" or "fsync".
func Component(name string) *Tagged {
	return &Tagged{name: name}
}

// Tagged is a thin wrapper that prefixes log lines with a component name,
// used by server subsystems so log output can be grepped by stage.
type Tagged struct {
	name string
}

func (t *Tagged) Debug(format string, arg ...interface{}) { log(DEBUG, t.name, format, arg...) }
func (t *Tagged) Info(format string, arg ...interface{})  { log(INFO, t.name, format, arg...) }
func (t *Tagged) Warn(format string, arg ...interface{})  { log(WARN, t.name, format, arg...) }
func (t *Tagged) Error(format string, arg ...interface{}) { log(ERROR, t.name, format, arg...) }
