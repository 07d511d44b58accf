// Package e1000 implements a polling driver for Intel 8254x (e1000) network
// controllers as described in the 8254x family software developer's manual.
//
// The driver owns one transmit and one receive descriptor ring in pinned DMA
// memory. Software and the device hand descriptors back and forth through the
// Descriptor Done (DD) status bit and the head/tail registers; no interrupts
// are used. [Device.Transmit] and [Device.Receive] never block: they report
// [ErrBusy] or [ErrEmpty] and leave any retry policy to the caller.
//
// A Device is not safe for concurrent use by multiple transmitting or multiple
// receiving goroutines. One goroutine may transmit while another receives.
package e1000
