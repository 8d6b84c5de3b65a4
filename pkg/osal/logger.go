package osal

import "log"

// Logger is the logging sink the Stack writes through. Callers inject an
// implementation instead of depending on a concrete logging package, so
// tests can run silent while the gateway binary wires the standard
// library's log package.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NopLogger discards everything written to it.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...interface{}) {}
func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Warnf(string, ...interface{})  {}
func (NopLogger) Errorf(string, ...interface{}) {}

// StdLogger adapts the standard library's log package, matching the
// Ldate|Ltime|Lmicroseconds flag set the gateway binary configures.
type StdLogger struct {
	*log.Logger
}

// NewStdLogger wraps l (log.Default() when l is nil) with level prefixes.
func NewStdLogger(l *log.Logger) StdLogger {
	if l == nil {
		l = log.Default()
	}
	return StdLogger{Logger: l}
}

func (s StdLogger) Debugf(format string, args ...interface{}) {
	s.Printf("[DEBUG] "+format, args...)
}

func (s StdLogger) Infof(format string, args ...interface{}) {
	s.Printf("[INFO] "+format, args...)
}

func (s StdLogger) Warnf(format string, args ...interface{}) {
	s.Printf("[WARN] "+format, args...)
}

func (s StdLogger) Errorf(format string, args ...interface{}) {
	s.Printf("[ERROR] "+format, args...)
}
