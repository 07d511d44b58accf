package e1000

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by [Device.Transmit] when the descriptor at the
	// transmit tail is still owned by the device, meaning the ring is full.
	// The caller should retry later.
	ErrBusy = errors.New("transmit ring is full")

	// ErrEmpty is returned by [Device.Receive] when the device has not
	// written a new frame yet. The caller should poll again later.
	ErrEmpty = errors.New("receive ring is empty")

	// ErrContractViolation marks errors caused by a caller breaking the
	// driver's contract. Retrying will not help.
	ErrContractViolation = errors.New("driver contract violation")

	// ErrFrameTooLarge is returned when a frame exceeds [MaxFrameSize].
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrContractViolation)

	// ErrNotAttached is returned when the device is used before
	// [Device.Attach] completed.
	ErrNotAttached = errors.New("device is not attached")

	// ErrAlreadyAttached is returned when [Device.Attach] is called more than
	// once.
	ErrAlreadyAttached = errors.New("device is already attached")

	// ErrDeviceClosed is returned when a closed device is attached again.
	ErrDeviceClosed = errors.New("device was closed")
)
