// Package mmio provides ordered 32-bit access to a memory mapped register
// space. Every access goes through sync/atomic so the compiler can neither
// elide, coalesce nor reorder it relative to other atomic accesses, which is
// what a device that reacts to register writes requires.
package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Window is a view onto a device register space. Offsets are byte offsets
// from the start of the space and must be 4-byte aligned.
type Window struct {
	regs []uint32
	// mapped holds the mmap'd memory when the window was created by Map.
	mapped []byte
}

// New wraps the given memory as a register window. The memory must start on a
// 4-byte boundary and its length must be a multiple of 4.
func New(mem []byte) *Window {
	if len(mem) == 0 || len(mem)%4 != 0 {
		panic(fmt.Sprintf("register window size %d is not a positive multiple of 4", len(mem)))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		panic("register window base is not 4-byte aligned")
	}

	return &Window{
		regs: unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), len(mem)/4),
	}
}

// Map maps size bytes of the register space exposed by the file at path, for
// example a PCI resource file in sysfs.
func Map(path string, size int) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open register space: %w", err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map register space %s: %w", path, err)
	}

	w := New(mem)
	w.mapped = mem
	return w, nil
}

// Size returns the size of the register space in bytes.
func (w *Window) Size() int {
	return len(w.regs) * 4
}

// Read32 reads the register at the given byte offset.
func (w *Window) Read32(off uint32) uint32 {
	return atomic.LoadUint32(w.reg(off))
}

// Write32 writes v to the register at the given byte offset.
func (w *Window) Write32(off uint32, v uint32) {
	atomic.StoreUint32(w.reg(off), v)
}

// SetBits sets bits in the register at off with a read followed by a write.
func (w *Window) SetBits(off uint32, bits uint32) {
	w.Write32(off, w.Read32(off)|bits)
}

// ClearBits clears bits in the register at off with a read followed by a
// write.
func (w *Window) ClearBits(off uint32, bits uint32) {
	w.Write32(off, w.Read32(off)&^bits)
}

// Close unmaps the register space if it was created by Map. The window must
// not be used afterwards.
func (w *Window) Close() error {
	if w.mapped == nil {
		return nil
	}

	err := unix.Munmap(w.mapped)
	w.mapped = nil
	w.regs = nil
	if err != nil {
		return fmt.Errorf("unmap register space: %w", err)
	}
	return nil
}

func (w *Window) reg(off uint32) *uint32 {
	if off%4 != 0 {
		panic(fmt.Sprintf("register offset %#x is not 4-byte aligned", off))
	}
	if int(off/4) >= len(w.regs) {
		panic(fmt.Sprintf("register offset %#x is outside the %#x byte window", off, w.Size()))
	}
	return &w.regs[off/4]
}
