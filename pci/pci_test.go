package pci

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/slackhq/nicd/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFunction struct {
	vendor, device string
	resource       string
	command        uint16
	bar0           int
}

// fakeSysfs builds a sysfs tree with the given functions below a temporary
// directory and returns its root.
func fakeSysfs(t *testing.T, functions map[string]fakeFunction) string {
	root := t.TempDir()
	for address, f := range functions {
		dir := filepath.Join(root, "bus", "pci", "devices", address)
		require.NoError(t, os.MkdirAll(dir, 0o755))

		write := func(name string, b []byte) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
		}
		write("vendor", []byte(f.vendor+"\n"))
		write("device", []byte(f.device+"\n"))
		write("resource", []byte(f.resource))
		write("enable", []byte("0\n"))

		cfg := make([]byte, 64)
		binary.LittleEndian.PutUint16(cfg[0:], 0x8086)
		binary.LittleEndian.PutUint16(cfg[configCommand:], f.command)
		write("config", cfg)

		if f.bar0 > 0 {
			write("resource0", make([]byte, f.bar0))
		}
	}
	return root
}

const e1000Resource = "0x00000000febc0000 0x00000000febc0fff 0x0000000000040200\n" +
	"0x0000000000000000 0x0000000000000000 0x0000000000000000\n" +
	"0x000000000000c000 0x000000000000c03f 0x0000000000040101\n"

func TestFind(t *testing.T) {
	root := fakeSysfs(t, map[string]fakeFunction{
		"0000:00:01.0": {vendor: "0x8086", device: "0x7000", resource: e1000Resource},
		"0000:00:03.0": {vendor: "0x8086", device: "0x100e", resource: e1000Resource},
		"0000:00:04.0": {vendor: "0x8086", device: "0x10d3", resource: e1000Resource},
		"0000:00:02.0": {vendor: "0x1234", device: "0x1111", resource: e1000Resource},
	})

	f, err := Find(test.NewLogger(), root, E1000...)
	require.NoError(t, err)
	assert.Equal(t, "0000:00:03.0", f.Address)
	assert.Equal(t, ID{Vendor: 0x8086, Device: 0x100e}, f.ID)
	assert.Equal(t, "8086:100e", f.ID.String())

	require.Len(t, f.Resources, 3)
	assert.Equal(t, Resource{Start: 0xfebc0000, End: 0xfebc0fff, Flags: 0x40200}, f.Resources[0])
	assert.Equal(t, 0x1000, f.Resources[0].Size())
	assert.Equal(t, 0, f.Resources[1].Size())

	_, err = Find(test.NewLogger(), root, ID{Vendor: 0x8086, Device: 0x1234})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Find(test.NewLogger(), t.TempDir(), E1000...)
	assert.ErrorContains(t, err, "list pci devices")
}

func TestOpen(t *testing.T) {
	root := fakeSysfs(t, map[string]fakeFunction{
		"0000:00:03.0": {vendor: "0x8086", device: "0x100f", resource: e1000Resource},
		"0000:00:05.0": {vendor: "intel", device: "0x100f", resource: e1000Resource},
		"0000:00:06.0": {vendor: "0x8086", device: "0x100f", resource: "0x0 0x1\n"},
	})

	f, err := Open(test.NewLogger(), root, "0000:00:03.0")
	require.NoError(t, err)
	assert.Equal(t, ID{Vendor: 0x8086, Device: 0x100f}, f.ID)

	_, err = Open(test.NewLogger(), root, "0000:00:04.0")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Open(test.NewLogger(), root, "0000:00:05.0")
	assert.ErrorContains(t, err, "vendor")

	_, err = Open(test.NewLogger(), root, "0000:00:06.0")
	assert.ErrorContains(t, err, "line 1 has 2 fields")
}

func TestFunction_Enable(t *testing.T) {
	root := fakeSysfs(t, map[string]fakeFunction{
		"0000:00:03.0": {vendor: "0x8086", device: "0x100e", resource: e1000Resource, command: 0x0400},
	})

	f, err := Open(test.NewLogger(), root, "0000:00:03.0")
	require.NoError(t, err)
	require.NoError(t, f.Enable())

	dir := filepath.Join(root, "bus", "pci", "devices", "0000:00:03.0")
	enable, err := os.ReadFile(filepath.Join(dir, "enable"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(enable))

	cfg, err := os.ReadFile(filepath.Join(dir, "config"))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0406), binary.LittleEndian.Uint16(cfg[configCommand:]))
	assert.Equal(t, uint16(0x8086), binary.LittleEndian.Uint16(cfg[0:]), "the rest of config space is untouched")
}

func TestFunction_MapRegisters(t *testing.T) {
	root := fakeSysfs(t, map[string]fakeFunction{
		"0000:00:03.0": {vendor: "0x8086", device: "0x100e", resource: e1000Resource, bar0: 0x1000},
		"0000:00:04.0": {vendor: "0x8086", device: "0x100e", resource: "0x0 0x0 0x0\n"},
	})

	f, err := Open(test.NewLogger(), root, "0000:00:03.0")
	require.NoError(t, err)
	w, err := f.MapRegisters()
	require.NoError(t, err)
	assert.Equal(t, 0x1000, w.Size())

	w.Write32(0x10, 0xdeadbeef)
	require.NoError(t, w.Close())

	b, err := os.ReadFile(filepath.Join(root, "bus", "pci", "devices", "0000:00:03.0", "resource0"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(b[0x10:]))

	f, err = Open(test.NewLogger(), root, "0000:00:04.0")
	require.NoError(t, err)
	_, err = f.MapRegisters()
	assert.EqualError(t, err, "function 0000:00:04.0 has no memory resource 0")
}
