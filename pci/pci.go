// Package pci finds and prepares PCI functions through the Linux sysfs tree.
package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicd/mmio"
)

// ErrNotFound is returned by [Find] when no function matches.
var ErrNotFound = errors.New("no supported pci function found")

// Command register offset and bits in the configuration space header.
const (
	configCommand = 0x04

	CommandMemory = 1 << 1
	CommandMaster = 1 << 2
)

// ID is a vendor and device id pair.
type ID struct {
	Vendor uint16
	Device uint16
}

func (id ID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Device)
}

// E1000 lists the 8254x parts the driver supports: the 82540EM emulated by
// qemu, the 82545EM and the 82574L.
var E1000 = []ID{
	{Vendor: 0x8086, Device: 0x100e},
	{Vendor: 0x8086, Device: 0x100f},
	{Vendor: 0x8086, Device: 0x10d3},
}

// Resource is one line of the sysfs resource file.
type Resource struct {
	Start uint64
	End   uint64
	Flags uint64
}

// Size returns the length of the resource in bytes, or 0 when it is unused.
func (r Resource) Size() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start + 1)
}

// Function is one PCI function, identified by its domain:bus:slot.function
// address.
type Function struct {
	l         *logrus.Entry
	path      string
	Address   string
	ID        ID
	Resources []Resource
}

func devicesDir(root string) string {
	return filepath.Join(root, "bus", "pci", "devices")
}

// Open reads the function at address below the sysfs mount point root.
func Open(l *logrus.Logger, root, address string) (*Function, error) {
	path := filepath.Join(devicesDir(root), address)

	vendor, err := readID(filepath.Join(path, "vendor"))
	if err != nil {
		return nil, err
	}
	device, err := readID(filepath.Join(path, "device"))
	if err != nil {
		return nil, err
	}
	resources, err := readResources(filepath.Join(path, "resource"))
	if err != nil {
		return nil, err
	}

	return &Function{
		l:         l.WithFields(logrus.Fields{"subsystem": "pci", "address": address}),
		path:      path,
		Address:   address,
		ID:        ID{Vendor: vendor, Device: device},
		Resources: resources,
	}, nil
}

// Find returns the first function, in address order, whose id is in ids.
func Find(l *logrus.Logger, root string, ids ...ID) (*Function, error) {
	entries, err := os.ReadDir(devicesDir(root))
	if err != nil {
		return nil, fmt.Errorf("list pci devices: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(devicesDir(root), name)
		vendor, err := readID(filepath.Join(path, "vendor"))
		if err != nil {
			l.WithError(err).WithField("address", name).Debug("Skipping pci function")
			continue
		}
		device, err := readID(filepath.Join(path, "device"))
		if err != nil {
			l.WithError(err).WithField("address", name).Debug("Skipping pci function")
			continue
		}

		id := ID{Vendor: vendor, Device: device}
		for _, want := range ids {
			if id == want {
				return Open(l, root, name)
			}
		}
	}

	return nil, ErrNotFound
}

// Enable enables the function and turns on memory space decoding and bus
// mastering in its command register.
func (f *Function) Enable() error {
	if err := os.WriteFile(filepath.Join(f.path, "enable"), []byte("1"), 0); err != nil {
		return fmt.Errorf("enable device: %w", err)
	}

	cfg, err := os.OpenFile(filepath.Join(f.path, "config"), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open config space: %w", err)
	}
	defer cfg.Close()

	var b [2]byte
	if _, err := cfg.ReadAt(b[:], configCommand); err != nil {
		return fmt.Errorf("read command register: %w", err)
	}
	cmd := binary.LittleEndian.Uint16(b[:])
	binary.LittleEndian.PutUint16(b[:], cmd|CommandMemory|CommandMaster)
	if _, err := cfg.WriteAt(b[:], configCommand); err != nil {
		return fmt.Errorf("write command register: %w", err)
	}

	f.l.WithFields(logrus.Fields{
		"id":      f.ID.String(),
		"command": fmt.Sprintf("%#04x", cmd|CommandMemory|CommandMaster),
	}).Info("PCI function enabled")
	return nil
}

// MapRegisters maps BAR0 of the function.
func (f *Function) MapRegisters() (*mmio.Window, error) {
	if len(f.Resources) == 0 || f.Resources[0].Size() == 0 {
		return nil, fmt.Errorf("function %s has no memory resource 0", f.Address)
	}

	w, err := mmio.Map(filepath.Join(f.path, "resource0"), f.Resources[0].Size())
	if err != nil {
		return nil, fmt.Errorf("map resource0: %w", err)
	}
	return w, nil
}

func readID(path string) (uint16, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return uint16(v), nil
}

func readResources(path string) ([]Resource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var resources []Resource
	for i, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("parse %s: line %d has %d fields", path, i+1, len(fields))
		}

		var v [3]uint64
		for j, field := range fields {
			if v[j], err = strconv.ParseUint(field, 0, 64); err != nil {
				return nil, fmt.Errorf("parse %s: line %d: %w", path, i+1, err)
			}
		}
		resources = append(resources, Resource{Start: v[0], End: v[1], Flags: v[2]})
	}
	return resources, nil
}
