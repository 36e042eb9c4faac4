package p1

import (
	"fmt"
	"os"

	"github.com/juju/errors"
)

type Timeouter interface {
	Timeout() bool
}

// StreamError is a failure to read from the telegram source.
type StreamError struct {
	Op  string
	Err error
}

func (e StreamError) Error() string { return fmt.Sprintf("p1 stream %s: %v", e.Op, e.Err) }
func (e StreamError) Unwrap() error { return e.Err }

// Timeout reports whether the source gave up waiting for data.
func (e StreamError) Timeout() bool {
	if t, ok := errors.Cause(e.Err).(Timeouter); ok {
		return t.Timeout()
	}
	return errors.IsTimeout(e.Err) || os.IsTimeout(e.Err)
}

// ChecksumError means computed CRC16 does not match the one declared after '!'.
type ChecksumError struct {
	Declared string
	Computed uint16
}

func (e ChecksumError) Error() string {
	return fmt.Sprintf("p1 checksum mismatch declared=%q computed=%04X", e.Declared, e.Computed)
}

// MalformedError is a structurally broken telegram.
type MalformedError struct {
	Reason string
	Line   string
}

func (e MalformedError) Error() string {
	if e.Line == "" {
		return "p1 malformed telegram: " + e.Reason
	}
	return fmt.Sprintf("p1 malformed telegram: %s line=%q", e.Reason, e.Line)
}

func IsStream(err error) bool {
	_, ok := errors.Cause(err).(StreamError)
	return ok
}

func IsChecksum(err error) bool {
	_, ok := errors.Cause(err).(ChecksumError)
	return ok
}

func IsMalformed(err error) bool {
	_, ok := errors.Cause(err).(MalformedError)
	return ok
}
