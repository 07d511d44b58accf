package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Translator maps a virtual address of this process to the address a device
// uses to reach the same byte.
type Translator interface {
	Phys(virt uintptr) (PhysAddr, error)
}

// Identity is a [Translator] for devices that address process memory
// directly, such as vhost backends or a software device model. There is no
// translation in play, so the device address equals the virtual address.
type Identity struct{}

func (Identity) Phys(virt uintptr) (PhysAddr, error) {
	return PhysAddr(virt), nil
}

const (
	pagemapEntrySize   = 8
	pagemapPresent     = uint64(1) << 63
	pagemapFrameMask   = uint64(1)<<55 - 1
	defaultPagemapPath = "/proc/self/pagemap"
)

// ErrPageNotPresent is returned when a page has no physical frame.
var ErrPageNotPresent = errors.New("page is not present in memory")

// Pagemap translates addresses through /proc/self/pagemap. Reading frame
// numbers requires CAP_SYS_ADMIN, without it the kernel reports zero.
type Pagemap struct {
	f        *os.File
	pageSize int
}

// OpenPagemap opens the pagemap of the current process.
func OpenPagemap() (*Pagemap, error) {
	return openPagemap(defaultPagemapPath)
}

func openPagemap(path string) (*Pagemap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pagemap: %w", err)
	}
	return &Pagemap{f: f, pageSize: os.Getpagesize()}, nil
}

func (p *Pagemap) Phys(virt uintptr) (PhysAddr, error) {
	page := uint64(virt) / uint64(p.pageSize)
	var b [pagemapEntrySize]byte
	n, err := unix.Pread(int(p.f.Fd()), b[:], int64(page*pagemapEntrySize))
	if err != nil {
		return 0, fmt.Errorf("read pagemap entry: %w", err)
	}
	if n != len(b) {
		return 0, fmt.Errorf("short pagemap read of %d bytes", n)
	}

	entry := binary.LittleEndian.Uint64(b[:])
	if entry&pagemapPresent == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrPageNotPresent, virt)
	}
	frame := entry & pagemapFrameMask
	if frame == 0 {
		return 0, fmt.Errorf("pagemap hides the frame of %#x, CAP_SYS_ADMIN is required", virt)
	}

	return PhysAddr(frame*uint64(p.pageSize) + uint64(virt)%uint64(p.pageSize)), nil
}

// Close closes the pagemap file.
func (p *Pagemap) Close() error {
	return p.f.Close()
}

func addressOf(mem []byte, off int) uintptr {
	return uintptr(unsafe.Pointer(&mem[off]))
}
