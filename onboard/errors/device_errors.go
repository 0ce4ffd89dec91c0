package errors

import (
	"errors"
	"fmt"
)

var (
	ErrReadTimeout      = errors.New("read timed out")
	ErrDriverClosed     = errors.New("driver has been closed")
	ErrNotConnected     = errors.New("motor is not connected")
	ErrAlreadyConnected = errors.New("motor is already connected")
)

// Reasons a port could not be opened.
const (
	ReasonBusy       = "busy"
	ReasonNotFound   = "not found"
	ReasonPermission = "permission denied"
	ReasonOther      = "unknown"
)

// ConnectionError is returned when the serial port cannot be opened. It is the only error surfaced to callers
// of the driver, everything after a successful connect is logged and absorbed.
type ConnectionError struct {
	Port   string
	Reason string
	Err    error
}

func (err *ConnectionError) Error() string {
	reason := err.Reason
	if len(reason) == 0 {
		reason = ReasonOther
	}
	return fmt.Sprintf("unable to open port %s (%s): %v", err.Port, reason, err.Err)
}

func (err *ConnectionError) Unwrap() error {
	return err.Err
}

type FrameReadError struct {
	Err error
}

func (err *FrameReadError) Error() string {
	return fmt.Sprintf("frame read failed: %v", err.Err)
}

func (err *FrameReadError) Unwrap() error {
	return err.Err
}

type UnrecognizedFrameError struct {
	Tag byte
}

func (err *UnrecognizedFrameError) Error() string {
	return fmt.Sprintf("unrecognized frame tag 0x%02x", err.Tag)
}

// WriteError reports a command that could not be transmitted. The command is dropped.
type WriteError struct {
	Cmd string
	Err error
}

func (err *WriteError) Error() string {
	return fmt.Sprintf("unable to write %s: %v", err.Cmd, err.Err)
}

func (err *WriteError) Unwrap() error {
	return err.Err
}

type MalformedDatagramError struct {
	Size int
	Tag  byte
}

func (err *MalformedDatagramError) Error() string {
	if err.Size == 0 {
		return "malformed datagram: empty"
	}
	return fmt.Sprintf("malformed datagram: %d bytes, tag 0x%02x", err.Size, err.Tag)
}
