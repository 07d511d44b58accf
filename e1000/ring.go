package e1000

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/slackhq/nicd/dma"
)

const (
	// TxRingSize is the number of transmit descriptors.
	TxRingSize = 64
	// RxRingSize is the number of receive descriptors.
	RxRingSize = 128
	// BufferSize is the size of the packet buffer behind every descriptor.
	// The receive control register's default buffer size is 2048 bytes.
	BufferSize = 2048
	// MaxFrameSize is the largest frame that is sent or received with a
	// single descriptor.
	MaxFrameSize = 1518
)

// Allocator supplies zeroed, page aligned memory that stays at the same
// physical address until it is freed. [dma.Pool] implements it.
type Allocator interface {
	Alloc(size int) (*dma.Region, error)
	Free(r *dma.Region) error
	PageSize() int
}

// slots is the memory behind a descriptor ring: one page holding the
// descriptor table and a buffer of [BufferSize] bytes per descriptor. Slots
// are addressed by their index only.
type slots struct {
	capacity int
	table    *dma.Region
	buffers  *dma.Region
}

func allocSlots(mem Allocator, capacity int) (_ *slots, err error) {
	pageSize := mem.PageSize()
	if err = CheckRingSize(capacity, pageSize); err != nil {
		return nil, err
	}
	// A buffer may never straddle two pages, they need not be physically
	// adjacent.
	if pageSize%BufferSize != 0 {
		return nil, fmt.Errorf("page size %d is not a multiple of the buffer size %d", pageSize, BufferSize)
	}

	s := &slots{capacity: capacity}
	defer func() {
		if err != nil {
			_ = s.release(mem)
		}
	}()

	if s.table, err = mem.Alloc(capacity * DescriptorSize); err != nil {
		return nil, fmt.Errorf("allocate descriptor table: %w", err)
	}
	if s.buffers, err = mem.Alloc(capacity * BufferSize); err != nil {
		return nil, fmt.Errorf("allocate packet buffers: %w", err)
	}

	return s, nil
}

// tableAddress returns the physical address of the descriptor table.
func (s *slots) tableAddress() dma.PhysAddr {
	return s.table.Phys(0)
}

// tableLength returns the size of the descriptor table in bytes, as
// programmed into the length register.
func (s *slots) tableLength() uint32 {
	return uint32(s.capacity * DescriptorSize)
}

// buffer returns the packet buffer of slot i.
func (s *slots) buffer(i int) []byte {
	off := i * BufferSize
	return s.buffers.Bytes()[off : off+BufferSize : off+BufferSize]
}

// bufferAddress returns the physical address of the packet buffer of slot i.
func (s *slots) bufferAddress(i int) dma.PhysAddr {
	return s.buffers.Phys(i * BufferSize)
}

func (s *slots) release(mem Allocator) error {
	var errs []error
	if s.buffers != nil {
		if err := mem.Free(s.buffers); err != nil {
			errs = append(errs, fmt.Errorf("free packet buffers: %w", err))
		}
		s.buffers = nil
	}
	if s.table != nil {
		if err := mem.Free(s.table); err != nil {
			errs = append(errs, fmt.Errorf("free descriptor table: %w", err))
		}
		s.table = nil
	}
	return errors.Join(errs...)
}

// txRing is the transmit descriptor ring.
type txRing struct {
	*slots
	descriptors []txDescriptor
}

// newTxRing allocates the transmit ring and points every descriptor at its
// buffer. Each descriptor asks for end of packet and status reporting, and
// starts out done so that the whole ring is available to software.
func newTxRing(mem Allocator) (*txRing, error) {
	s, err := allocSlots(mem, TxRingSize)
	if err != nil {
		return nil, err
	}

	r := &txRing{
		slots:       s,
		descriptors: unsafe.Slice((*txDescriptor)(unsafe.Pointer(&s.table.Bytes()[0])), TxRingSize),
	}
	for i := range r.descriptors {
		d := &r.descriptors[i]
		d.address = uint64(r.bufferAddress(i))
		d.cmd = TxCmdEndOfPacket | TxCmdReportStatus
		d.setDone()
	}
	return r, nil
}

// rxRing is the receive descriptor ring.
type rxRing struct {
	*slots
	descriptors []rxDescriptor
}

// newRxRing allocates the receive ring and points every descriptor at its
// buffer. No descriptor is done, the device owns the whole ring.
func newRxRing(mem Allocator) (*rxRing, error) {
	s, err := allocSlots(mem, RxRingSize)
	if err != nil {
		return nil, err
	}

	r := &rxRing{
		slots:       s,
		descriptors: unsafe.Slice((*rxDescriptor)(unsafe.Pointer(&s.table.Bytes()[0])), RxRingSize),
	}
	for i := range r.descriptors {
		d := &r.descriptors[i]
		d.address = uint64(r.bufferAddress(i))
		d.reset()
	}
	return r, nil
}
