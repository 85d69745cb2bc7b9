// Package kfmt provides the kernel's log output. Every subsystem logs through
// a module logger obtained via Get; output lines are rendered as
// "[module] message". Output produced before SetOutputSink is called is kept
// in a ring buffer and replayed to the sink once it becomes available.
package kfmt

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// moduleField is the logrus field that carries the module name.
const moduleField = "module"

var (
	// earlyPrintBuffer is a ring buffer that stores log output before an
	// output sink is configured.
	earlyPrintBuffer ringBuffer

	outputMu sync.Mutex
	logger   = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&earlyPrintBuffer)
	l.SetFormatter(&PrefixFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Get returns the logger for the given kernel module.
func Get(module string) *logrus.Entry {
	return logger.WithField(moduleField, module)
}

// SetOutputSink sets the target for all log output to w and copies any data
// accumulated in the early print buffer to it. Passing nil redirects output
// back to the early print buffer.
func SetOutputSink(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()

	if w == nil {
		logger.SetOutput(&earlyPrintBuffer)
		return
	}

	_, _ = io.Copy(w, &earlyPrintBuffer)
	logger.SetOutput(w)
}

// SetLevel changes the log verbosity. Valid levels are the logrus level
// names (e.g. "debug", "info", "warn").
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	return nil
}

// DebugEnabled returns true if debug output is currently emitted.
func DebugEnabled() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

// Printf logs a message at info level without a module field, so the
// PrefixFormatter renders it with no "[module]" prefix and only terminates
// it with a newline. It is used for banners and multi-line diagnostics that
// carry their own formatting and is suppressed when the level is above info.
func Printf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}
