package e1000

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicd/dma"
	"github.com/slackhq/nicd/mmio"
)

// Function is the bus function the device sits behind. The bus probe finds
// it, Enable turns on memory space access and bus mastering, and
// MapRegisters maps the register space (BAR0).
type Function interface {
	Enable() error
	MapRegisters() (*mmio.Window, error)
}

const (
	stateDetached int32 = iota
	stateAttaching
	stateAttached
	stateClosed
)

// Device is an e1000 network controller driven by polling.
type Device struct {
	l   *logrus.Entry
	fn  Function
	mem Allocator
	mac net.HardwareAddr

	state atomic.Int32

	regs *mmio.Window
	tx   *txRing
	rx   *rxRing
}

// NewDevice returns a device for the given bus function. Ring memory is taken
// from mem. The device is not touched until [Device.Attach] is called.
//
// There are options that can be passed to this constructor:
//   - [WithMAC]
func NewDevice(l *logrus.Logger, fn Function, mem Allocator, options ...Option) (*Device, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	return &Device{
		l:   l.WithField("subsystem", "e1000"),
		fn:  fn,
		mem: mem,
		mac: opts.mac,
	}, nil
}

// MAC returns the station address of the device.
func (d *Device) MAC() net.HardwareAddr {
	return d.mac
}

// Attach runs the initialization sequence: it enables the bus function,
// allocates both descriptor rings and programs the device for transmit and
// receive. It may only succeed once per device. When it fails everything it
// allocated is released and the device stays detached.
func (d *Device) Attach() (err error) {
	if !d.state.CompareAndSwap(stateDetached, stateAttaching) {
		if d.state.Load() == stateClosed {
			return ErrDeviceClosed
		}
		return ErrAlreadyAttached
	}

	defer func() {
		if err != nil {
			if d.regs != nil {
				d.disable()
			}
			_ = d.release()
			d.state.Store(stateDetached)
		}
	}()

	if err = d.fn.Enable(); err != nil {
		return fmt.Errorf("enable bus function: %w", err)
	}
	if d.regs, err = d.fn.MapRegisters(); err != nil {
		return fmt.Errorf("map registers: %w", err)
	}
	if d.regs.Size() < RegisterSpaceSize {
		return fmt.Errorf("register space of %#x bytes is smaller than %#x", d.regs.Size(), RegisterSpaceSize)
	}

	if d.tx, err = newTxRing(d.mem); err != nil {
		return fmt.Errorf("allocate transmit ring: %w", err)
	}
	d.initTransmit()
	d.initStationAddress()

	if d.rx, err = newRxRing(d.mem); err != nil {
		return fmt.Errorf("allocate receive ring: %w", err)
	}
	d.initReceive()

	d.state.Store(stateAttached)
	status := d.regs.Read32(RegSTATUS)
	d.l.WithFields(logrus.Fields{
		"mac":     d.mac.String(),
		"linkUp":  status&StatusLinkUp != 0,
		"duplex":  duplex(status),
		"txRing":  fmt.Sprintf("%#x", uint64(d.tx.tableAddress())),
		"rxRing":  fmt.Sprintf("%#x", uint64(d.rx.tableAddress())),
		"txSlots": TxRingSize,
		"rxSlots": RxRingSize,
	}).Info("Device attached")

	return nil
}

func (d *Device) initTransmit() {
	d.writeAddress(RegTDBAL, RegTDBAH, d.tx.tableAddress())
	d.regs.Write32(RegTDLEN, d.tx.tableLength())

	// Head and tail are zero after reset, but software must not rely on it.
	d.regs.Write32(RegTDH, 0)
	d.regs.Write32(RegTDT, 0)

	tctl := d.regs.Read32(RegTCTL)
	tctl |= TCTLEnable | TCTLPadShortPackets
	tctl = tctl&^TCTLCollisionDist | (fullDuplexCollisionDistance<<tctlCollisionDistPos)&TCTLCollisionDist
	d.regs.Write32(RegTCTL, tctl)
	d.regs.Write32(RegTIPG, transmitIPG)

	d.l.WithField("tctl", fmt.Sprintf("%#08x", tctl)).Debug("Transmit enabled")
}

func (d *Device) initStationAddress() {
	m := d.mac
	d.regs.Write32(RegRAL, uint32(m[0])|uint32(m[1])<<8|uint32(m[2])<<16|uint32(m[3])<<24)
	d.regs.Write32(RegRAH, uint32(m[4])|uint32(m[5])<<8|RAHAddressValid)
	d.regs.Write32(RegMTA, 0)
}

func (d *Device) initReceive() {
	d.writeAddress(RegRDBAL, RegRDBAH, d.rx.tableAddress())
	d.regs.Write32(RegRDLEN, d.rx.tableLength())

	// The device fills descriptors from head up to, not including, tail.
	// Software reads the slot after tail, so tail trails head by one.
	d.regs.Write32(RegRDH, 0)
	d.regs.Write32(RegRDT, RxRingSize-1)

	d.regs.SetBits(RegRCTL, RCTLEnable|RCTLStripCRC)

	d.l.Debug("Receive enabled")
}

func duplex(status uint32) string {
	if status&StatusFullDuplex != 0 {
		return "full"
	}
	return "half"
}

func (d *Device) writeAddress(low, high uint32, a dma.PhysAddr) {
	d.regs.Write32(low, uint32(a))
	d.regs.Write32(high, uint32(uint64(a)>>32))
}

// Close disables transmit and receive and releases the descriptor rings and
// the register window. The device cannot be attached again.
func (d *Device) Close() error {
	if d.state.Swap(stateClosed) == stateAttached {
		d.disable()
		d.l.Info("Device closed")
	}
	return d.release()
}

// disable stops both DMA engines so the device lets go of the ring memory
// before it is freed.
func (d *Device) disable() {
	d.regs.ClearBits(RegTCTL, TCTLEnable)
	d.regs.ClearBits(RegRCTL, RCTLEnable)
}

func (d *Device) release() error {
	var errs []error
	if d.tx != nil {
		if err := d.tx.release(d.mem); err != nil {
			errs = append(errs, fmt.Errorf("release transmit ring: %w", err))
		}
		d.tx = nil
	}
	if d.rx != nil {
		if err := d.rx.release(d.mem); err != nil {
			errs = append(errs, fmt.Errorf("release receive ring: %w", err))
		}
		d.rx = nil
	}
	if d.regs != nil {
		if err := d.regs.Close(); err != nil {
			errs = append(errs, err)
		}
		d.regs = nil
	}
	return errors.Join(errs...)
}
