// Package test has helpers for the package tests.
package test

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger for tests. It is silent unless TEST_LOGS is set:
// 1 logs at info, 2 at debug and 3 at trace level.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// LogWriter collects log lines for assertions.
type LogWriter struct {
	mu   sync.Mutex
	logs []string
}

// NewCapturingLogger returns a logger writing plain text lines without
// timestamps or colors into the returned LogWriter.
func NewCapturingLogger() (*logrus.Logger, *LogWriter) {
	w := &LogWriter{}
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return l, w
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logs = append(w.logs, string(p))
	return len(p), nil
}

// Logs returns the lines written so far.
func (w *LogWriter) Logs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.logs...)
}

// Contains reports whether any line contains s.
func (w *LogWriter) Contains(s string) bool {
	for _, line := range w.Logs() {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

// Reset drops all collected lines.
func (w *LogWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logs = w.logs[:0]
}
