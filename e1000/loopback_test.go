package e1000_test

import (
	"fmt"
	"testing"

	"github.com/slackhq/nicd/dma"
	"github.com/slackhq/nicd/e1000"
	"github.com/slackhq/nicd/sim"
	"github.com/slackhq/nicd/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopback(t *testing.T) (*e1000.Device, *sim.Device) {
	l := test.NewLogger()
	pool := dma.NewPool(dma.Identity{}, false)
	hw := sim.New(l, pool, sim.WithLoopback())

	d, err := e1000.NewDevice(l, hw, pool)
	require.NoError(t, err)
	require.NoError(t, d.Attach())
	t.Cleanup(func() { assert.NoError(t, d.Close()) })
	return d, hw
}

func TestLoopback_FIFO(t *testing.T) {
	d, hw := newLoopback(t)

	var sent [][]byte
	for i := 0; i < 20; i++ {
		frame := []byte(fmt.Sprintf("frame %02d %s", i, make([]byte, i*37)))
		require.NoError(t, d.Transmit(frame))
		sent = append(sent, frame)
	}

	n, err := hw.CompleteTx(0)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	buf := make([]byte, e1000.MaxFrameSize)
	for i, want := range sent {
		n, err := d.Receive(buf)
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, want, buf[:n], "frame %d", i)
	}

	_, err = d.Receive(buf)
	assert.ErrorIs(t, err, e1000.ErrEmpty)
}

func TestLoopback_Backpressure(t *testing.T) {
	d, hw := newLoopback(t)
	frame := make([]byte, 64)

	for i := 0; i < e1000.TxRingSize; i++ {
		require.NoError(t, d.Transmit(frame))
	}
	assert.ErrorIs(t, d.Transmit(frame), e1000.ErrBusy)

	// One completed frame frees exactly one slot.
	n, err := hw.CompleteTx(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, d.Transmit(frame))
	assert.ErrorIs(t, d.Transmit(frame), e1000.ErrBusy)
}

func TestLoopback_ManyLaps(t *testing.T) {
	d, hw := newLoopback(t)
	buf := make([]byte, e1000.MaxFrameSize)

	// Each round sends a batch, lets the device catch up and drains the
	// receive side, wrapping both rings several times.
	seq := 0
	for round := 0; round < 40; round++ {
		batch := 1 + round%e1000.TxRingSize
		for i := 0; i < batch; i++ {
			frame := []byte(fmt.Sprintf("%06d", seq+i))
			require.NoError(t, d.Transmit(frame))
		}

		n, err := hw.CompleteTx(0)
		require.NoError(t, err)
		require.Equal(t, batch, n)

		for i := 0; i < batch; i++ {
			n, err := d.Receive(buf)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("%06d", seq), string(buf[:n]))
			seq++
		}
	}

	regs := hw.Registers()
	assert.Equal(t, regs.Read32(e1000.RegTDH), regs.Read32(e1000.RegTDT))
}
