package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicd/test"
	"github.com/stretchr/testify/assert"
)

func TestContextualError_Log(t *testing.T) {
	l, tl := test.NewCapturingLogger()

	tests := []struct {
		err  *ContextualError
		want string
	}{
		{
			err:  NewContextualError("test message", logrus.Fields{"field": "1"}, errors.New("error")),
			want: "level=error msg=\"test message\" error=error field=1\n",
		},
		{
			err:  NewContextualError("test message", nil, errors.New("error")),
			want: "level=error msg=\"test message\" error=error\n",
		},
		{
			err:  NewContextualError("test message", logrus.Fields{"field": "1"}, nil),
			want: "level=error msg=\"test message\" field=1\n",
		},
		{
			err:  NewContextualError("test message", nil, nil),
			want: "level=error msg=\"test message\"\n",
		},
		{
			err:  NewContextualError("", nil, errors.New("error")),
			want: "level=error error=error\n",
		},
	}

	for _, tt := range tests {
		tl.Reset()
		tt.err.Log(l)
		assert.Equal(t, []string{tt.want}, tl.Logs())
	}
}

func TestContextualError_Error(t *testing.T) {
	cause := errors.New("no such file or directory")
	e := NewContextualError("Failed to find pci function", logrus.Fields{"root": "/sys", "address": "0000:00:03.0"}, cause)
	assert.Equal(t, "Failed to find pci function (address=0000:00:03.0 root=/sys): no such file or directory", e.Error())
	assert.ErrorIs(t, e, cause)

	assert.Equal(t, "Invalid backend", NewContextualError("Invalid backend", nil, nil).Error())
	assert.NoError(t, NewContextualError("Invalid backend", nil, nil).Unwrap())
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l, tl := test.NewCapturingLogger()

	// Test ignoring fallback context
	e := NewContextualError("test message", logrus.Fields{"field": "1"}, errors.New("error"))
	LogWithContextIfNeeded("This should get thrown away", fmt.Errorf("wrapped: %w", e), l)
	assert.Equal(t, []string{"level=error msg=\"test message\" error=error field=1\n"}, tl.Logs())

	// Test using fallback context
	tl.Reset()
	err := fmt.Errorf("this is a normal error")
	LogWithContextIfNeeded("Fallback context woo", err, l)
	assert.Equal(t, []string{"level=error msg=\"Fallback context woo\" error=\"this is a normal error\"\n"}, tl.Logs())
}

func TestContextualizeIfNeeded(t *testing.T) {
	// Test ignoring fallback context
	e := NewContextualError("test message", logrus.Fields{"field": "1"}, errors.New("error"))
	assert.Same(t, e, ContextualizeIfNeeded("should be ignored", e))

	// Test using fallback context
	err := fmt.Errorf("this is a normal error")
	var ce *ContextualError
	if assert.ErrorAs(t, ContextualizeIfNeeded("Fallback context woo", err), &ce) {
		assert.Equal(t, err, ce.RealError)
		assert.Equal(t, "Fallback context woo", ce.Context)
	}
}
