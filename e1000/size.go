package e1000

import (
	"errors"
	"fmt"
)

// ErrRingSizeInvalid is returned when a ring capacity cannot be programmed
// into the device.
var ErrRingSizeInvalid = errors.New("ring size is invalid")

// descriptorRingAlignment is the granularity of the TDLEN and RDLEN registers.
const descriptorRingAlignment = 128

// CheckRingSize checks if a ring with the given number of descriptors can be
// programmed into the device and fits into a single page of pageSize bytes,
// and returns an [ErrRingSizeInvalid], if not.
func CheckRingSize(capacity int, pageSize int) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrRingSizeInvalid, capacity)
	}

	// The length registers ignore the low 7 bits.
	if capacity*DescriptorSize%descriptorRingAlignment != 0 {
		return fmt.Errorf("%w: %d descriptors are not a multiple of %d bytes",
			ErrRingSizeInvalid, capacity, descriptorRingAlignment)
	}

	if capacity*DescriptorSize > pageSize {
		return fmt.Errorf("%w: %d descriptors do not fit into a %d byte page",
			ErrRingSizeInvalid, capacity, pageSize)
	}

	return nil
}
