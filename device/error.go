package device

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the result code of a device call.
type Status int

const (
	StatusSuccess Status = iota
	StatusMemoryAllocation
	StatusInvalidDevice
	StatusInvalidPointer
	StatusSynchronize
	StatusUseAfterFree
	StatusInternal
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusMemoryAllocation:
		return "memory allocation failed"
	case StatusInvalidDevice:
		return "invalid device"
	case StatusInvalidPointer:
		return "invalid pointer"
	case StatusSynchronize:
		return "synchronize failed"
	case StatusUseAfterFree:
		return "memory still in use by the device"
	case StatusInternal:
		return "internal error"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Error is a failed device call. It is the single representation of driver failures: runtimes translate their
// native result codes into it once, and callers match on Status.
type Error struct {
	Op     string
	Device int
	Status Status
	Msg    string
}

// Error implements error.
func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("device %d: %s: %s (status=%d)", e.Device, e.Op, e.Status, int(e.Status))
	}
	return fmt.Sprintf("device %d: %s: %s (status=%d): %s", e.Device, e.Op, e.Status, int(e.Status), e.Msg)
}

// NewError creates a device error with a stack trace (see github.com/pkg/errors).
// It returns nil if status is StatusSuccess.
func NewError(op string, device int, status Status, format string, args ...any) error {
	if status == StatusSuccess {
		return nil
	}
	e := &Error{Op: op, Device: device, Status: status}
	if format != "" {
		e.Msg = fmt.Sprintf(format, args...)
	}
	return errors.WithStack(e)
}

// StatusOf returns the Status carried by err, StatusSuccess if err is nil, or StatusInternal if err is not a
// device error.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var devErr *Error
	if errors.As(err, &devErr) {
		return devErr.Status
	}
	return StatusInternal
}

// IsAllocationFailure returns whether err reports the device ran out of memory.
func IsAllocationFailure(err error) bool {
	return StatusOf(err) == StatusMemoryAllocation
}
