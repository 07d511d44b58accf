// Package dma allocates memory that a device may access directly. Regions are
// mapped outside of the Go heap, so the garbage collector never moves or
// reclaims them, and can optionally be locked into RAM so the kernel does not
// page them out while a device holds their physical addresses.
package dma

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// PhysAddr is an address as seen by a device doing DMA.
type PhysAddr uint64

// ErrUnknownAddress is returned when a device address does not resolve to
// memory allocated by a [Pool].
var ErrUnknownAddress = errors.New("address is not backed by a dma region")

// Region is a page aligned, zeroed block of pinned memory.
type Region struct {
	mem      []byte
	pageSize int
	// phys holds the device address of every page of mem.
	phys []PhysAddr
}

// Bytes returns the memory of the region. The slice stays valid until the
// region is freed.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Len returns the size of the region in bytes.
func (r *Region) Len() int {
	return len(r.mem)
}

// Phys returns the device address of the byte at off.
func (r *Region) Phys(off int) PhysAddr {
	if off < 0 || off >= len(r.mem) {
		panic(fmt.Sprintf("offset %d is outside of the %d byte region", off, len(r.mem)))
	}
	return r.phys[off/r.pageSize] + PhysAddr(off%r.pageSize)
}

// offsetOf returns the offset of the n byte span starting at the device
// address a, if that span lies within physically contiguous pages of r.
func (r *Region) offsetOf(a PhysAddr, n int) (int, bool) {
	ps := PhysAddr(r.pageSize)
	for i, p := range r.phys {
		if a < p || a >= p+ps {
			continue
		}

		off := i*r.pageSize + int(a-p)
		if off+n > len(r.mem) {
			return 0, false
		}
		last := (off + n - 1) / r.pageSize
		for j := i + 1; j <= last; j++ {
			if r.phys[j] != p+PhysAddr(j-i)*ps {
				return 0, false
			}
		}
		return off, true
	}
	return 0, false
}

// Pool hands out [Region]s and keeps track of them so that device addresses
// can be resolved back to memory.
type Pool struct {
	translator Translator
	lock       bool
	pageSize   int

	mu      sync.Mutex
	regions []*Region
}

// NewPool returns a pool that translates addresses with t. When lock is true
// every region is locked into RAM with mlock.
func NewPool(t Translator, lock bool) *Pool {
	return &Pool{
		translator: t,
		lock:       lock,
		pageSize:   os.Getpagesize(),
	}
}

// PageSize returns the allocation granularity of the pool.
func (p *Pool) PageSize() int {
	return p.pageSize
}

// Alloc allocates a zeroed region of at least size bytes, rounded up to whole
// pages. The region starts on a page boundary.
func (p *Pool) Alloc(size int) (_ *Region, err error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", size)
	}

	pages := (size + p.pageSize - 1) / p.pageSize
	mem, err := unix.Mmap(-1, 0, pages*p.pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate dma memory: %w", err)
	}

	defer func() {
		if err != nil {
			_ = unix.Munmap(mem)
		}
	}()

	if p.lock {
		if err = unix.Mlock(mem); err != nil {
			return nil, fmt.Errorf("lock dma memory: %w", err)
		}
	}

	r := &Region{
		mem:      mem,
		pageSize: p.pageSize,
		phys:     make([]PhysAddr, pages),
	}
	for i := range r.phys {
		// Fault the page in so it has a physical frame to translate.
		mem[i*p.pageSize] = 0
		if r.phys[i], err = p.translator.Phys(addressOf(mem, i*p.pageSize)); err != nil {
			return nil, fmt.Errorf("translate page %d: %w", i, err)
		}
	}

	p.mu.Lock()
	p.regions = append(p.regions, r)
	p.mu.Unlock()

	return r, nil
}

// Free releases a region. The device must no longer access it.
func (p *Pool) Free(r *Region) error {
	p.mu.Lock()
	for i, x := range p.regions {
		if x == r {
			p.regions = append(p.regions[:i], p.regions[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil
	r.phys = nil
	if err != nil {
		return fmt.Errorf("release dma memory: %w", err)
	}
	return nil
}

// Slice resolves the n bytes at device address a to the memory backing them.
// This is how a device model performs its DMA reads and writes.
func (p *Pool) Slice(a PhysAddr, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid dma length %d", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.regions {
		if off, ok := r.offsetOf(a, n); ok {
			return r.mem[off : off+n : off+n], nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrUnknownAddress, uint64(a), n)
}
