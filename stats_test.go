package nicd

import (
	"net/http"
	"testing"
	"time"

	"github.com/slackhq/nicd/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStats(t *testing.T) {
	l := test.NewLogger()

	start, closer, err := startStats(l, newConfig(t, "stats:\n  type: none\n"), "test", false)
	require.NoError(t, err)
	assert.Nil(t, start)
	assert.Nil(t, closer)

	tests := []struct {
		config string
		err    string
	}{
		{config: "stats:\n  type: prometheus\n", err: "stats.interval was an invalid duration: "},
		{config: "stats:\n  type: carbon\n  interval: 1s\n", err: "stats.type was not understood: carbon"},
		{config: "stats:\n  type: graphite\n  interval: 1s\n", err: "stats.host can not be empty"},
		{config: "stats:\n  type: prometheus\n  interval: 1s\n", err: "stats.listen should not be empty"},
		{config: "stats:\n  type: prometheus\n  interval: 1s\n  listen: 127.0.0.1:0\n", err: "stats.path should not be empty"},
	}
	for _, tt := range tests {
		_, _, err := startStats(l, newConfig(t, tt.config), "test", false)
		assert.EqualError(t, err, tt.err)
	}

	start, closer, err = startStats(l, newConfig(t, "stats:\n  type: prometheus\n  interval: 1s\n  listen: 127.0.0.1:0\n  path: /metrics\n"), "test", true)
	require.NoError(t, err)
	assert.Nil(t, start)
	assert.Nil(t, closer)

	start, closer, err = startStats(l, newConfig(t, "stats:\n  type: graphite\n  interval: 1s\n  host: 127.0.0.1:2003\n"), "test", true)
	require.NoError(t, err)
	assert.Nil(t, start)
	assert.Nil(t, closer)
}

func TestStartStats_PrometheusClose(t *testing.T) {
	l, logs := test.NewCapturingLogger()

	start, closer, err := startStats(l, newConfig(t, "stats:\n  type: prometheus\n  interval: 1s\n  listen: 127.0.0.1:0\n  path: /metrics\n"), "test", false)
	require.NoError(t, err)
	require.NotNil(t, start)
	require.IsType(t, &http.Server{}, closer)

	done := make(chan struct{})
	go func() {
		start()
		close(done)
	}()

	// Closing ends the listener whether or not it was already serving.
	require.NoError(t, closer.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("prometheus listener did not stop")
	}
	assert.False(t, logs.Contains("listener failed"))
}
