package e1000

import "fmt"

// Transmit queues a single frame for sending. It never blocks.
//
// The descriptor at the transmit tail must be done, otherwise the device
// still owns it and [ErrBusy] is returned. The frame is copied into the
// slot's buffer, so the caller may reuse frame right away. Advancing the tail
// register hands the slot to the device, which sets the done bit again once
// the frame went out.
//
// Frames larger than [MaxFrameSize] are rejected with [ErrFrameTooLarge];
// splitting them is up to the caller.
func (d *Device) Transmit(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes exceed the maximum of %d", ErrFrameTooLarge, len(frame), MaxFrameSize)
	}
	if d.state.Load() != stateAttached {
		return ErrNotAttached
	}

	tail := d.regs.Read32(RegTDT)
	if tail >= TxRingSize {
		panic(fmt.Sprintf("transmit tail %d is outside of the %d slot ring", tail, TxRingSize))
	}

	desc := &d.tx.descriptors[tail]
	if !desc.done() {
		return ErrBusy
	}

	// The done bit is cleared last: a descriptor that is not done is ready
	// to go as far as the device is concerned.
	copy(d.tx.buffer(int(tail)), frame)
	desc.length = uint16(len(frame))
	desc.clearDone()

	d.regs.Write32(RegTDT, (tail+1)%TxRingSize)
	return nil
}
