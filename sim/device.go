// Package sim models the DMA engine of an 8254x network controller in
// software. It implements [e1000.Function], so the driver attaches to it the
// same way it attaches to a PCI function, and it moves frames between the
// descriptor rings exactly like the hardware: it consumes transmit
// descriptors between TDH and TDT and fills receive descriptors between RDH
// and RDT, reporting completion through the descriptor done bits.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicd/dma"
	"github.com/slackhq/nicd/e1000"
	"github.com/slackhq/nicd/mmio"
)

var (
	// ErrNoRxDescriptors is returned by [Device.Deliver] when software has
	// not returned any receive descriptors. The frame is dropped.
	ErrNoRxDescriptors = errors.New("no receive descriptors available")

	// ErrReceiveDisabled is returned by [Device.Deliver] while RCTL.EN is
	// clear.
	ErrReceiveDisabled = errors.New("receive is disabled")

	// ErrFrameTooLarge is returned by [Device.Deliver] for frames that do
	// not fit into a single receive buffer.
	ErrFrameTooLarge = errors.New("frame does not fit into a receive buffer")

	// ErrNotEnabled is returned when the registers are mapped before the
	// function was enabled.
	ErrNotEnabled = errors.New("memory space access is disabled")
)

// Memory resolves device addresses to the memory behind them. [dma.Pool]
// implements it.
type Memory interface {
	Slice(a dma.PhysAddr, n int) ([]byte, error)
}

// Device is a software e1000.
type Device struct {
	l   *logrus.Entry
	mem Memory

	regs    *mmio.Window
	enabled atomic.Bool

	wire     func(frame []byte)
	loopback bool

	// mu serializes the transmit and receive engines.
	mu sync.Mutex
}

// New returns a device model doing its DMA through mem. The link reports up
// at full duplex.
func New(l *logrus.Logger, mem Memory, options ...Option) *Device {
	opts := optionDefaults
	opts.apply(options)

	d := &Device{
		l:        l.WithField("subsystem", "sim"),
		mem:      mem,
		regs:     mmio.New(make([]byte, e1000.RegisterSpaceSize)),
		wire:     opts.wire,
		loopback: opts.loopback,
	}
	d.regs.Write32(e1000.RegSTATUS, e1000.StatusLinkUp|e1000.StatusFullDuplex)
	return d
}

// Enable turns on memory space access and bus mastering.
func (d *Device) Enable() error {
	d.enabled.Store(true)
	return nil
}

// MapRegisters returns the register window of the device.
func (d *Device) MapRegisters() (*mmio.Window, error) {
	if !d.enabled.Load() {
		return nil, ErrNotEnabled
	}
	return d.regs, nil
}

// Registers returns the register window for inspection.
func (d *Device) Registers() *mmio.Window {
	return d.regs
}

// ring describes a descriptor ring as programmed into the registers.
type ring struct {
	base       dma.PhysAddr
	size       uint32
	head, tail uint32
}

func (d *Device) ring(bal, bah, dlen, dh, dt uint32) ring {
	return ring{
		base: dma.PhysAddr(uint64(d.regs.Read32(bah))<<32 | uint64(d.regs.Read32(bal))),
		size: d.regs.Read32(dlen) / e1000.DescriptorSize,
		head: d.regs.Read32(dh),
		tail: d.regs.Read32(dt),
	}
}

func (d *Device) descriptor(r ring, i uint32) ([]byte, error) {
	desc, err := d.mem.Slice(r.base+dma.PhysAddr(i*e1000.DescriptorSize), e1000.DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("fetch descriptor %d: %w", i, err)
	}
	return desc, nil
}

// writeStatus publishes the status word of a descriptor. Everything the
// device wrote to the descriptor and its buffer before is visible to software
// once it observes the done bit.
func writeStatus(desc []byte, set uint32) {
	word := (*uint32)(unsafe.Pointer(&desc[12]))
	atomic.StoreUint32(word, atomic.LoadUint32(word)|set)
}

func readStatus(desc []byte) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&desc[12])))
}

// CompleteTx sends up to limit frames queued between the transmit head and
// tail, or all of them when limit is zero or less. Every sent descriptor gets
// its done bit set and the head advances past it. It returns the number of
// frames sent.
func (d *Device) CompleteTx(limit int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.regs.Read32(e1000.RegTCTL)&e1000.TCTLEnable == 0 {
		return 0, nil
	}

	r := d.ring(e1000.RegTDBAL, e1000.RegTDBAH, e1000.RegTDLEN, e1000.RegTDH, e1000.RegTDT)
	if r.size == 0 {
		return 0, nil
	}

	queued, full, err := d.queuedTx(r)
	if err != nil {
		return 0, err
	}

	sent := 0
	for sent < queued && (limit <= 0 || sent < limit) {
		desc, err := d.descriptor(r, r.head)
		if err != nil {
			return sent, err
		}
		// A full ring is only walked while its descriptors are pending.
		if full && readStatus(desc)&e1000.TxStatusDone != 0 {
			break
		}

		length := int(binary.LittleEndian.Uint16(desc[8:10]))
		cmd := desc[11]

		frame := make([]byte, length)
		if length > 0 {
			buf, err := d.mem.Slice(dma.PhysAddr(binary.LittleEndian.Uint64(desc[0:8])), length)
			if err != nil {
				return sent, fmt.Errorf("fetch transmit buffer %d: %w", r.head, err)
			}
			copy(frame, buf)
		}

		if cmd&e1000.TxCmdReportStatus != 0 {
			writeStatus(desc, e1000.TxStatusDone)
		}
		slot := r.head
		r.head = (r.head + 1) % r.size
		d.regs.Write32(e1000.RegTDH, r.head)
		sent++

		d.l.WithFields(logrus.Fields{"slot": slot, "length": length}).Trace("Frame sent")
		d.send(frame)
	}

	return sent, nil
}

// queuedTx returns the number of descriptors between the transmit head and
// tail. Head and tail are equal both when the ring is empty and when software
// queued a whole lap, so the done bit at the head tells them apart: software
// clears it before handing a descriptor over.
func (d *Device) queuedTx(r ring) (queued int, full bool, err error) {
	if r.head != r.tail {
		return int((r.tail + r.size - r.head) % r.size), false, nil
	}

	desc, err := d.descriptor(r, r.head)
	if err != nil {
		return 0, false, err
	}
	if readStatus(desc)&e1000.TxStatusDone != 0 {
		return 0, false, nil
	}
	return int(r.size), true, nil
}

func (d *Device) send(frame []byte) {
	if d.wire != nil {
		d.wire(frame)
	}
	if d.loopback {
		if err := d.deliver(frame); err != nil {
			d.l.WithError(err).Debug("Dropped looped back frame")
		}
	}
}

// Deliver writes a frame arriving from the wire into the receive descriptor
// at the receive head and advances the head. When software has no
// descriptors left for the device the frame is dropped with
// [ErrNoRxDescriptors].
func (d *Device) Deliver(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deliver(frame)
}

func (d *Device) deliver(frame []byte) error {
	if d.regs.Read32(e1000.RegRCTL)&e1000.RCTLEnable == 0 {
		return ErrReceiveDisabled
	}
	if len(frame) > e1000.BufferSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	r := d.ring(e1000.RegRDBAL, e1000.RegRDBAH, e1000.RegRDLEN, e1000.RegRDH, e1000.RegRDT)
	if r.size == 0 || r.head == r.tail {
		return ErrNoRxDescriptors
	}

	desc, err := d.descriptor(r, r.head)
	if err != nil {
		return err
	}

	if len(frame) > 0 {
		buf, err := d.mem.Slice(dma.PhysAddr(binary.LittleEndian.Uint64(desc[0:8])), len(frame))
		if err != nil {
			return fmt.Errorf("fetch receive buffer %d: %w", r.head, err)
		}
		copy(buf, frame)
	}
	binary.LittleEndian.PutUint16(desc[8:10], uint16(len(frame)))
	writeStatus(desc, e1000.RxStatusDone|e1000.RxStatusEndOfPacket)

	d.regs.Write32(e1000.RegRDH, (r.head+1)%r.size)
	d.l.WithFields(logrus.Fields{"slot": r.head, "length": len(frame)}).Trace("Frame received")
	return nil
}

// Run completes transmit descriptors every interval until ctx is done.
func (d *Device) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := d.CompleteTx(0); err != nil {
				return fmt.Errorf("transmit engine: %w", err)
			}
		}
	}
}
