package e1000

import "sync/atomic"

// DescriptorSize is the number of bytes a legacy transmit or receive
// descriptor occupies in memory.
const DescriptorSize = 16

// txDescriptor is the legacy transmit descriptor as laid out in memory.
//
// Bytes 12 to 15 hold the status, checksum start and special fields. They are
// kept in a single word so that the status byte, which the device writes
// back, can be accessed atomically.
type txDescriptor struct {
	// address is the physical address of the buffer holding the frame.
	address uint64
	// length is the number of bytes to send from the buffer.
	length uint16
	cso    uint8
	cmd    uint8
	// statusWord is status [7:0], css [15:8] and special [31:16].
	statusWord uint32
}

// done reports whether the device has finished with this descriptor.
func (d *txDescriptor) done() bool {
	return atomic.LoadUint32(&d.statusWord)&TxStatusDone != 0
}

func (d *txDescriptor) setDone() {
	atomic.StoreUint32(&d.statusWord, atomic.LoadUint32(&d.statusWord)|TxStatusDone)
}

func (d *txDescriptor) clearDone() {
	atomic.StoreUint32(&d.statusWord, atomic.LoadUint32(&d.statusWord)&^TxStatusDone)
}

// rxDescriptor is the legacy receive descriptor as laid out in memory.
type rxDescriptor struct {
	// address is the physical address of the buffer the device writes to.
	address uint64
	// length is the number of bytes the device wrote to the buffer.
	length   uint16
	checksum uint16
	// statusWord is status [7:0], errors [15:8] and special [31:16].
	statusWord uint32
}

func (d *rxDescriptor) done() bool {
	return atomic.LoadUint32(&d.statusWord)&RxStatusDone != 0
}

// reset clears status, errors and special so that a stale DD bit is never
// mistaken for a new frame once the slot comes around again.
func (d *rxDescriptor) reset() {
	atomic.StoreUint32(&d.statusWord, 0)
}
