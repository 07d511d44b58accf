package nicd

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/slackhq/nicd/e1000"
	"github.com/slackhq/nicd/egress"
	"github.com/slackhq/nicd/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSim(t *testing.T, raw string) *Control {
	ctrl, err := Main(newConfig(t, raw), false, "test", test.NewLogger())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	t.Cleanup(func() { assert.NoError(t, ctrl.Stop()) })
	return ctrl
}

func receive(t *testing.T, ctrl *Control) []byte {
	select {
	case f := <-ctrl.Frames():
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func TestControl_Loopback(t *testing.T) {
	ctrl := startSim(t, `
device:
  backend: sim
  sim:
    loopback: true
    interval: 1ms
egress:
  sender: 3
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := bytes.Repeat([]byte{0xab}, 3000)
	require.NoError(t, ctrl.Send(ctx, payload))

	first := receive(t, ctrl)
	second := receive(t, ctrl)
	assert.Len(t, first, e1000.MaxFrameSize)
	assert.Len(t, second, 3000-e1000.MaxFrameSize)
	assert.Equal(t, payload, append(first, second...))

	// Requests from anyone but the configured sender are refused.
	reply := make(chan error, 1)
	ctrl.Mailbox() <- egress.Request{Type: egress.RequestOutput, Sender: 4, Present: true, Payload: []byte("x"), Reply: reply}
	assert.ErrorIs(t, <-reply, egress.ErrInvalidRequest)
}

func TestControl_Inject(t *testing.T) {
	ctrl := startSim(t, "device:\n  sim:\n    loopback: false\n")

	require.NoError(t, ctrl.Inject([]byte("from the wire")))
	assert.Equal(t, []byte("from the wire"), receive(t, ctrl))
}

func TestControl_StartTwice(t *testing.T) {
	ctrl := startSim(t, "device:\n  backend: sim\n")
	assert.ErrorIs(t, ctrl.Start(), e1000.ErrAlreadyAttached)
}

func TestControl_NotRunning(t *testing.T) {
	ctrl, err := Main(newConfig(t, "device:\n  backend: sim\n"), false, "test", test.NewLogger())
	require.NoError(t, err)
	assert.ErrorIs(t, ctrl.Send(context.Background(), []byte("x")), ErrNotRunning)
	assert.NoError(t, ctrl.Stop())
}

func TestControl_TaskFailure(t *testing.T) {
	ctrl, err := Main(newConfig(t, "device:\n  backend: sim\n"), false, "test", test.NewLogger())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	// Closing the mailbox is fatal for the egress task, which stops the rest.
	close(ctrl.mailbox)
	select {
	case <-ctrl.done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not stop")
	}

	var fatal *egress.FatalError
	assert.ErrorAs(t, ctrl.Stop(), &fatal)
	assert.ErrorIs(t, ctrl.Device().Transmit([]byte("x")), e1000.ErrNotAttached)
}

func TestControl_SendMoreThanRing(t *testing.T) {
	ctrl := startSim(t, `
device:
  backend: sim
  sim:
    loopback: true
    interval: 20ms
ingress:
  buffer: 256
egress:
  sender: 3
`)

	// More segments than transmit descriptors in a single request, queued
	// faster than the device polls.
	segments := 2*e1000.TxRingSize + 5
	payload := make([]byte, segments*e1000.MaxFrameSize)
	for i := range payload {
		payload[i] = byte(i / e1000.MaxFrameSize)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ctrl.Send(ctx, payload))

	for i := 0; i < segments; i++ {
		frame := receive(t, ctrl)
		require.Equal(t, payload[i*e1000.MaxFrameSize:(i+1)*e1000.MaxFrameSize], frame, "segment %d", i)
	}
}

func TestControl_StopClosesStats(t *testing.T) {
	ctrl, err := Main(newConfig(t, `
device:
  backend: sim
stats:
  type: prometheus
  interval: 1s
  listen: 127.0.0.1:0
  path: /metrics
`), false, "test", test.NewLogger())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	var srv *http.Server
	for _, c := range ctrl.closers {
		if s, ok := c.(*http.Server); ok {
			srv = s
		}
	}
	require.NotNil(t, srv, "the stats listener is closed on stop")

	require.NoError(t, ctrl.Stop())
	assert.ErrorIs(t, srv.ListenAndServe(), http.ErrServerClosed)
}
