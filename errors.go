package sof

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrPoweredOff is returned when a message that needs the DSP in D0 is
	// sent while the DSP is in D3.
	ErrPoweredOff = fmt.Errorf("dsp is powered off: %w", syscall.EBUSY)

	// ErrNotReady is returned when the firmware has not completed boot.
	ErrNotReady = fmt.Errorf("firmware is not ready: %w", syscall.EAGAIN)
)

// DspError is a negative status returned by the firmware in a reply header.
// It unwraps to the matching syscall.Errno, so errors.Is(err, syscall.EINVAL) works.
type DspError struct {
	Cmd    uint32
	Status int32
}

// Error implements the error interface.
func (e *DspError) Error() string {
	return fmt.Sprintf("dsp rejected %s with status %d", CmdString(e.Cmd), e.Status)
}

// Unwrap returns the errno carried in the reply.
func (e *DspError) Unwrap() error {
	if e.Status >= 0 {
		return nil
	}

	return syscall.Errno(-e.Status)
}

// DspStatus returns the firmware status of err if it carries one.
func DspStatus(err error) (int32, bool) {
	var de *DspError
	if errors.As(err, &de) {
		return de.Status, true
	}

	return 0, false
}
