package e1000

import (
	"fmt"
	"net"
)

// DefaultMAC is the station address QEMU assigns to its emulated e1000.
var DefaultMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

type optionValues struct {
	mac net.HardwareAddr
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if len(o.mac) != 6 {
		return fmt.Errorf("station address %q is not a 48 bit MAC address", o.mac)
	}
	return nil
}

var optionDefaults = optionValues{
	mac: DefaultMAC,
}

// Option can be passed to [NewDevice] to influence device creation.
type Option func(*optionValues)

// WithMAC returns an [Option] that sets the station address programmed into
// the receive address registers.
func WithMAC(mac net.HardwareAddr) Option {
	return func(o *optionValues) { o.mac = mac }
}
