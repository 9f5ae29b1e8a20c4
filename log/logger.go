// Package log provides the category logger used throughout the module.
package log

import (
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger and adds a category to every entry.
// Categories follow the "Type:method" convention and can be filtered
// with a regular expression.
type Logger struct {
	*logrus.Logger

	mu             sync.Mutex
	lastLogCall    int64
	debugOverride  bool
	categoryFilter *regexp.Regexp
}

// NewNullLogger returns a logger that discards everything.
func NewNullLogger() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(log, false, nil)
}

// New returns a Logger. When debugOverride is set, entries below the
// current level are still printed.
func New(logger *logrus.Logger, debugOverride bool, categoryFilter *regexp.Regexp) *Logger {
	return &Logger{
		Logger:         logger,
		debugOverride:  debugOverride,
		categoryFilter: categoryFilter,
	}
}

func (l *Logger) Tracef(category string, msg string, args ...any) {
	l.Logf(logrus.TraceLevel, category, msg, args...)
}

func (l *Logger) Debugf(category string, msg string, args ...any) {
	l.Logf(logrus.DebugLevel, category, msg, args...)
}

func (l *Logger) Errorf(category string, msg string, args ...any) {
	l.Logf(logrus.ErrorLevel, category, msg, args...)
}

func (l *Logger) Infof(category string, msg string, args ...any) {
	l.Logf(logrus.InfoLevel, category, msg, args...)
}

func (l *Logger) Warnf(category string, msg string, args ...any) {
	l.Logf(logrus.WarnLevel, category, msg, args...)
}

// Logf logs msg under category at the given level.
func (l *Logger) Logf(level logrus.Level, category string, msg string, args ...any) {
	if l == nil || l.Logger == nil {
		return
	}
	// don't log if the current log level isn't in the required level.
	if l.GetLevel() < level && !l.debugOverride {
		return
	}
	if l.categoryFilter != nil && !l.categoryFilter.MatchString(category) {
		return
	}

	l.mu.Lock()
	now := time.Now().UnixNano() / int64(time.Millisecond)
	elapsed := now - l.lastLogCall
	if elapsed == now {
		elapsed = 0
	}
	l.lastLogCall = now
	l.mu.Unlock()

	entry := l.WithFields(logrus.Fields{
		"category": category,
		"elapsed":  fmt.Sprintf("%d ms", elapsed),
	})
	if cur := l.GetLevel(); cur < level {
		// debug override: log at the lowest enabled level instead.
		if cur > logrus.FatalLevel {
			entry.Logf(cur, msg, args...)
		}
		return
	}
	entry.Logf(level, msg, args...)
}

// SetLevel sets the logger level from a level string.
func (l *Logger) SetLevel(level string) error {
	pl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", level, err)
	}
	l.Logger.SetLevel(pl)
	return nil
}

// SetCategoryFilter only lets entries whose category matches filter through.
// An empty filter removes filtering.
func (l *Logger) SetCategoryFilter(filter string) error {
	if filter == "" {
		l.categoryFilter = nil
		return nil
	}
	re, err := regexp.Compile(filter)
	if err != nil {
		return fmt.Errorf("compiling log category filter %q: %w", filter, err)
	}
	l.categoryFilter = re
	return nil
}

// DebugMode returns true if the logger level is set to Debug or higher.
func (l *Logger) DebugMode() bool {
	return l.GetLevel() >= logrus.DebugLevel
}
