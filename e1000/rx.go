package e1000

import "fmt"

// Receive copies the next frame written by the device into buf and returns
// the number of bytes copied. It never blocks.
//
// The next frame lives in the slot after the receive tail. When its
// descriptor is not done, [ErrEmpty] is returned and nothing changes. A frame
// longer than buf is truncated to len(buf) bytes; the rest of it is
// discarded. Advancing the tail register returns the slot to the device.
func (d *Device) Receive(buf []byte) (int, error) {
	if d.state.Load() != stateAttached {
		return 0, ErrNotAttached
	}

	tail := d.regs.Read32(RegRDT)
	if tail >= RxRingSize {
		panic(fmt.Sprintf("receive tail %d is outside of the %d slot ring", tail, RxRingSize))
	}
	next := (tail + 1) % RxRingSize

	desc := &d.rx.descriptors[next]
	if !desc.done() {
		return 0, ErrEmpty
	}

	length := min(int(desc.length), BufferSize)
	n := copy(buf, d.rx.buffer(int(next))[:length])
	desc.reset()

	d.regs.Write32(RegRDT, next)
	return n, nil
}
