// Package util holds helpers shared by the daemon's packages.
package util

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextualError is an error that carries log fields describing where it
// happened. Startup code returns it so the caller can log one structured
// line.
type ContextualError struct {
	RealError error
	Fields    logrus.Fields
	Context   string
}

func NewContextualError(msg string, fields logrus.Fields, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded turns err into a ContextualError unless it already is one.
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with its fields when it is a
// ContextualError, and as a plain error line with msg otherwise.
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

func (ce *ContextualError) Error() string {
	var b strings.Builder
	b.WriteString(ce.Context)

	if len(ce.Fields) > 0 {
		keys := make([]string, 0, len(ce.Fields))
		for k := range ce.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s=%v", k, ce.Fields[k])
		}
		b.WriteByte(')')
	}

	if ce.RealError != nil {
		b.WriteString(": ")
		b.WriteString(ce.RealError.Error())
	}
	return b.String()
}

func (ce *ContextualError) Unwrap() error {
	return ce.RealError
}

func (ce *ContextualError) Log(lr *logrus.Logger) {
	e := lr.WithFields(ce.Fields)
	if ce.RealError != nil {
		e = e.WithError(ce.RealError)
	}
	e.Error(ce.Context)
}
