// Package klog wires the kernel's debug-log-sink collaborator (spec.md
// §1: external `log(fmt, args…)`) to a concrete structured logger so
// subsystems log the way the rest of the pack does, instead of each
// hand-rolling fmt.Printf.
package klog

import "go.uber.org/zap"

// Logger is the logging capability every subsystem constructor takes.
// Subsystems never reach for a package-level global; the caller (usually
// cmd/kernel's boot sequence) decides what backs it.
type Logger struct {
	s *zap.SugaredLogger
}

// New wraps a zap SugaredLogger.
func New(s *zap.SugaredLogger) *Logger {
	return &Logger{s: s}
}

// NewNop returns a Logger that discards everything, for tests that don't
// care about log output.
func NewNop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

// NewDevelopment returns a human-readable console logger, the
// configuration cmd/kernel's boot uses when --verbose is set.
func NewDevelopment() (*Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &Logger{s: l.Sugar()}, nil
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.s.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.s.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.s.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.s.Errorf(format, args...)
}

// With returns a Logger that always includes the given structured fields,
// mirroring the per-component loggers the teacher attaches to each
// driver (uart/pci/ahci) for log prefixing.
func (l *Logger) With(args ...interface{}) *Logger {
	if l == nil {
		return NewNop()
	}
	return &Logger{s: l.s.With(args...)}
}
